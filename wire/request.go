// Copyright (C) 2025 Arun Grover. All Rights Reserved.

package wire

import (
	"fmt"

	"github.com/arungrover/pbspro/batch"
)

// reqHdr carries the fields common to every request body.
type reqHdr struct {
	User       string `cbor:"user,omitempty"`
	Host       string `cbor:"host,omitempty"`
	FromServer bool   `cbor:"fromsvr,omitempty"`
	Extend     string `cbor:"extend,omitempty"`
}

func hdrOf(req *batch.Request) reqHdr {
	return reqHdr{User: req.User, Host: req.Host, FromServer: req.FromServer, Extend: req.Extend}
}

func (h reqHdr) apply(req *batch.Request) {
	req.User, req.Host, req.FromServer, req.Extend = h.User, h.Host, h.FromServer, h.Extend
}

// Request body formats, one per family of request types.
type (
	manageBody struct {
		reqHdr
		JobID string       `cbor:"jobid"`
		Attrs []batch.Attr `cbor:"attrs,omitempty"`
	}
	messageBody struct {
		reqHdr
		JobID   string `cbor:"jobid"`
		FileOpt int    `cbor:"fileopt,omitempty"`
		Text    string `cbor:"text,omitempty"`
	}
	relnodesBody struct {
		reqHdr
		JobID string `cbor:"jobid"`
		Nodes string `cbor:"nodes,omitempty"`
	}
	spawnBody struct {
		reqHdr
		JobID string   `cbor:"jobid"`
		Argv  []string `cbor:"argv"`
		Envp  []string `cbor:"envp,omitempty"`
	}
	rerunBody struct {
		reqHdr
		JobID string `cbor:"jobid"`
	}
	registerBody struct {
		reqHdr
		Reg batch.Register `cbor:"reg"`
	}
	signalBody struct {
		reqHdr
		JobID  string `cbor:"jobid"`
		Signal string `cbor:"signal"`
	}
	statusBody struct {
		reqHdr
		Name  string       `cbor:"name,omitempty"`
		Attrs []batch.Attr `cbor:"attrs,omitempty"`
	}
	trackBody struct {
		reqHdr
		JobID string      `cbor:"jobid"`
		Track batch.Track `cbor:"track"`
	}
	copyFilesBody struct {
		reqHdr
		JobID string          `cbor:"jobid"`
		Stage batch.FileStage `cbor:"stage"`
	}
	failoverBody struct {
		reqHdr
	}
	credBody struct {
		reqHdr
		JobID string           `cbor:"jobid"`
		Cred  batch.Credential `cbor:"cred"`
	}
)

func requestFrame(t batch.ReqType, body any) (*Frame, error) {
	enc, err := encMode.Marshal(body)
	if err != nil {
		return nil, err
	}
	return &Frame{Kind: KindRequest, Type: uint16(t), Body: enc}, nil
}

// PutManager encodes a job delete, hold, or modify request.
func PutManager(req *batch.Request) (*Frame, error) {
	body := manageBody{reqHdr: hdrOf(req), JobID: req.JobID}
	switch req.Type {
	case batch.TypeDeleteJob:
		// deletion carries no attributes
	case batch.TypeHoldJob, batch.TypeModifyJob, batch.TypeModifyJobAsync:
		body.Attrs = req.Attrs
	default:
		return nil, fmt.Errorf("type %v is not a manager request", req.Type)
	}
	return requestFrame(req.Type, body)
}

// PutMessage encodes a request to write text to a job's output files.
func PutMessage(req *batch.Request) (*Frame, error) {
	return requestFrame(req.Type, messageBody{
		reqHdr: hdrOf(req), JobID: req.JobID, FileOpt: req.FileOpt, Text: req.Text,
	})
}

// PutRelnodes encodes a request to release sister nodes from a job.
func PutRelnodes(req *batch.Request) (*Frame, error) {
	return requestFrame(req.Type, relnodesBody{
		reqHdr: hdrOf(req), JobID: req.JobID, Nodes: req.NodeList,
	})
}

// PutSpawn encodes a request to spawn a task within a running job.
func PutSpawn(req *batch.Request) (*Frame, error) {
	if len(req.Argv) == 0 {
		return nil, fmt.Errorf("spawn request has no command")
	}
	return requestFrame(req.Type, spawnBody{
		reqHdr: hdrOf(req), JobID: req.JobID, Argv: req.Argv, Envp: req.Envp,
	})
}

// PutRerun encodes a request to requeue a running job.
func PutRerun(req *batch.Request) (*Frame, error) {
	return requestFrame(req.Type, rerunBody{reqHdr: hdrOf(req), JobID: req.JobID})
}

// PutRegister encodes a job dependency registration.
func PutRegister(req *batch.Request) (*Frame, error) {
	if req.Register == nil {
		return nil, fmt.Errorf("register request has no dependency record")
	}
	return requestFrame(req.Type, registerBody{reqHdr: hdrOf(req), Reg: *req.Register})
}

// PutSignal encodes a request to signal a job.
func PutSignal(req *batch.Request) (*Frame, error) {
	return requestFrame(req.Type, signalBody{
		reqHdr: hdrOf(req), JobID: req.JobID, Signal: req.Signal,
	})
}

// PutStatus encodes a job status query.
func PutStatus(req *batch.Request) (*Frame, error) {
	return requestFrame(req.Type, statusBody{
		reqHdr: hdrOf(req), Name: req.JobID, Attrs: req.Attrs,
	})
}

// PutTrack encodes a job location tracking record.
func PutTrack(req *batch.Request) (*Frame, error) {
	if req.Track == nil {
		return nil, fmt.Errorf("track request has no tracking record")
	}
	return requestFrame(req.Type, trackBody{
		reqHdr: hdrOf(req), JobID: req.JobID, Track: *req.Track,
	})
}

// PutCopyFiles encodes a request to stage files in or out for a job, or to
// delete staged files. Both operations share a body format.
func PutCopyFiles(req *batch.Request) (*Frame, error) {
	if req.Stage == nil {
		return nil, fmt.Errorf("file request has no stage record")
	}
	return requestFrame(req.Type, copyFilesBody{
		reqHdr: hdrOf(req), JobID: req.JobID, Stage: *req.Stage,
	})
}

// PutCopyFilesCred encodes a file stage or delete request that carries a
// credential for the file transfer.
func PutCopyFilesCred(req *batch.Request) (*Frame, error) {
	if req.Stage == nil {
		return nil, fmt.Errorf("file request has no stage record")
	} else if len(req.Stage.Cred) == 0 {
		return nil, fmt.Errorf("file request has no credential")
	}
	return requestFrame(req.Type, copyFilesBody{
		reqHdr: hdrOf(req), JobID: req.JobID, Stage: *req.Stage,
	})
}

// PutFailover encodes a failover notification from primary to secondary.
func PutFailover(req *batch.Request) (*Frame, error) {
	return requestFrame(req.Type, failoverBody{reqHdr: hdrOf(req)})
}

// PutCred encodes a request to push a renewed credential to a worker.
func PutCred(req *batch.Request) (*Frame, error) {
	if req.Cred == nil {
		return nil, fmt.Errorf("credential request has no credential")
	}
	return requestFrame(req.Type, credBody{
		reqHdr: hdrOf(req), JobID: req.JobID, Cred: *req.Cred,
	})
}

// ReadRequest decodes a request frame into a batch request.
func ReadRequest(f *Frame) (*batch.Request, error) {
	if f.Kind != KindRequest {
		return nil, fmt.Errorf("frame is a %v, not a request", f.Kind)
	}
	t := batch.ReqType(f.Type)
	if !t.Known() {
		return nil, fmt.Errorf("unknown request type %d", f.Type)
	}
	req := batch.New(t, "")
	switch t {
	case batch.TypeDeleteJob, batch.TypeHoldJob, batch.TypeModifyJob, batch.TypeModifyJobAsync:
		var b manageBody
		if err := decMode.Unmarshal(f.Body, &b); err != nil {
			return nil, err
		}
		b.apply(req)
		req.JobID, req.Attrs = b.JobID, b.Attrs
	case batch.TypeMessageJob:
		var b messageBody
		if err := decMode.Unmarshal(f.Body, &b); err != nil {
			return nil, err
		}
		b.apply(req)
		req.JobID, req.FileOpt, req.Text = b.JobID, b.FileOpt, b.Text
	case batch.TypeReleaseNodes:
		var b relnodesBody
		if err := decMode.Unmarshal(f.Body, &b); err != nil {
			return nil, err
		}
		b.apply(req)
		req.JobID, req.NodeList = b.JobID, b.Nodes
	case batch.TypeSpawn:
		var b spawnBody
		if err := decMode.Unmarshal(f.Body, &b); err != nil {
			return nil, err
		}
		b.apply(req)
		req.JobID, req.Argv, req.Envp = b.JobID, b.Argv, b.Envp
	case batch.TypeRerunJob:
		var b rerunBody
		if err := decMode.Unmarshal(f.Body, &b); err != nil {
			return nil, err
		}
		b.apply(req)
		req.JobID = b.JobID
	case batch.TypeRegisterDependency:
		var b registerBody
		if err := decMode.Unmarshal(f.Body, &b); err != nil {
			return nil, err
		}
		b.apply(req)
		req.Register = &b.Reg
	case batch.TypeSignalJob:
		var b signalBody
		if err := decMode.Unmarshal(f.Body, &b); err != nil {
			return nil, err
		}
		b.apply(req)
		req.JobID, req.Signal = b.JobID, b.Signal
	case batch.TypeStatusJob:
		var b statusBody
		if err := decMode.Unmarshal(f.Body, &b); err != nil {
			return nil, err
		}
		b.apply(req)
		req.JobID, req.Attrs = b.Name, b.Attrs
	case batch.TypeTrackJob:
		var b trackBody
		if err := decMode.Unmarshal(f.Body, &b); err != nil {
			return nil, err
		}
		b.apply(req)
		req.JobID, req.Track = b.JobID, &b.Track
	case batch.TypeCopyFiles, batch.TypeCopyFilesCred, batch.TypeDeleteFiles, batch.TypeDeleteFilesCred:
		var b copyFilesBody
		if err := decMode.Unmarshal(f.Body, &b); err != nil {
			return nil, err
		}
		b.apply(req)
		req.JobID, req.Stage = b.JobID, &b.Stage
	case batch.TypeFailoverNotify:
		var b failoverBody
		if err := decMode.Unmarshal(f.Body, &b); err != nil {
			return nil, err
		}
		b.apply(req)
	case batch.TypePushCredential:
		var b credBody
		if err := decMode.Unmarshal(f.Body, &b); err != nil {
			return nil, err
		}
		b.apply(req)
		req.JobID, req.Cred = b.JobID, &b.Cred
	}
	return req, nil
}

// PutReply encodes a reply frame. The caller is responsible for copying the
// correlation id of the request being answered into the frame.
func PutReply(rep *batch.Reply) (*Frame, error) {
	enc, err := encMode.Marshal(rep)
	if err != nil {
		return nil, err
	}
	return &Frame{Kind: KindReply, Body: enc}, nil
}

// ReadReply decodes a reply frame.
func ReadReply(f *Frame) (*batch.Reply, error) {
	if f.Kind != KindReply {
		return nil, fmt.Errorf("frame is a %v, not a reply", f.Kind)
	}
	rep := new(batch.Reply)
	if err := decMode.Unmarshal(f.Body, rep); err != nil {
		return nil, err
	}
	return rep, nil
}
