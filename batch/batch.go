// Copyright (C) 2025 Arun Grover. All Rights Reserved.

// Package batch defines the administrative request and reply records
// exchanged between batch servers and execution workers, together with the
// result codes reported for them.
//
// The request set is closed: each ReqType has a fixed wire shape, and the
// dispatch core refuses types it does not know. Requests are owned by their
// creator for their whole lifetime; the core and the demultiplexer only
// borrow them and write the Reply field.
package batch

import (
	"fmt"
	"time"
)

// A ReqType identifies one administrative operation.
type ReqType uint16

const (
	TypeInvalid            ReqType = iota // zero value; never dispatched
	TypeDeleteJob                         // remove a job from its queue
	TypeHoldJob                           // set hold attributes on a job
	TypeMessageJob                        // write text to a running job's output
	TypeReleaseNodes                      // release sister nodes from a running job
	TypeSpawn                             // spawn a process under a running job
	TypeModifyJob                         // modify job attributes
	TypeModifyJobAsync                    // modify job attributes, asynchronous variant
	TypeRerunJob                          // requeue a running job
	TypeRegisterDependency                // register or release a job dependency
	TypeSignalJob                         // deliver a signal to a job
	TypeStatusJob                         // query job status
	TypeTrackJob                          // record a routing hop for a job
	TypeCopyFiles                         // stage files to or from a worker
	TypeCopyFilesCred                     // stage files with an explicit credential
	TypeDeleteFiles                       // remove staged files on a worker
	TypeDeleteFilesCred                   // remove staged files with an explicit credential
	TypeFailoverNotify                    // failover handshake between server pair halves
	TypePushCredential                    // push a fresh credential for a job
)

var typeName = map[ReqType]string{
	TypeDeleteJob:          "DeleteJob",
	TypeHoldJob:            "HoldJob",
	TypeMessageJob:         "MessageJob",
	TypeReleaseNodes:       "ReleaseNodes",
	TypeSpawn:              "Spawn",
	TypeModifyJob:          "ModifyJob",
	TypeModifyJobAsync:     "ModifyJobAsync",
	TypeRerunJob:           "RerunJob",
	TypeRegisterDependency: "RegisterDependency",
	TypeSignalJob:          "SignalJob",
	TypeStatusJob:          "StatusJob",
	TypeTrackJob:           "TrackJob",
	TypeCopyFiles:          "CopyFiles",
	TypeCopyFilesCred:      "CopyFilesCred",
	TypeDeleteFiles:        "DeleteFiles",
	TypeDeleteFilesCred:    "DeleteFilesCred",
	TypeFailoverNotify:     "FailoverNotify",
	TypePushCredential:     "PushCredential",
}

func (t ReqType) String() string {
	if s, ok := typeName[t]; ok {
		return s
	}
	return fmt.Sprintf("request type %d", uint16(t))
}

// Known reports whether t is a member of the closed request set.
func (t ReqType) Known() bool { _, ok := typeName[t]; return ok }

// An Attr is one attribute triple as used by hold, modify, and status
// operations. Resource qualifies Name for resource-valued attributes and is
// empty otherwise.
type Attr struct {
	Name     string `cbor:"name"`
	Resource string `cbor:"resource,omitempty"`
	Value    string `cbor:"value,omitempty"`
}

// A Register describes a dependency registration between two jobs.
type Register struct {
	Owner  string `cbor:"owner"`
	Parent string `cbor:"parent"`
	Child  string `cbor:"child"`
	Depend int    `cbor:"depend"` // dependency kind
	Op     int    `cbor:"op"`     // register or release
	Cost   int64  `cbor:"cost"`
}

// A Track records one forwarding hop for a routed job.
type Track struct {
	HopCount int    `cbor:"hopcount"`
	Location string `cbor:"location"`
	State    string `cbor:"state"`
}

// A FilePair names one local/remote path pair in a stage operation.
type FilePair struct {
	Local  string `cbor:"local"`
	Remote string `cbor:"remote"`
	Flags  int    `cbor:"flags,omitempty"`
}

// A FileStage describes a file copy or delete carried out by a worker on
// behalf of a job.
type FileStage struct {
	Owner    string     `cbor:"owner"`
	User     string     `cbor:"user"`
	Group    string     `cbor:"group,omitempty"`
	Dir      int        `cbor:"dir"` // direction and option flags
	Pairs    []FilePair `cbor:"pairs"`
	CredType int        `cbor:"credtype,omitempty"`
	Cred     []byte     `cbor:"cred,omitempty"`
}

// A Credential is a pushed credential with its validity horizon.
type Credential struct {
	ID       string    `cbor:"id"`
	Type     int       `cbor:"type"`
	Data     []byte    `cbor:"data"`
	ValidTil time.Time `cbor:"validtil"`
}

// A Request is one administrative request to a peer server or a worker.
// Only the fields used by the request's type are consulted; the rest are
// ignored by the encoder.
type Request struct {
	Type    ReqType
	JobID   string
	User    string    // requesting user, recorded in the wire header
	Host    string    // destination name as given to the retry path
	Extend  string    // free-form extension text
	Created time.Time // first-issue time; base of the retry deadline

	FromServer bool // request originates from a server, not a client

	Attrs    []Attr      // HoldJob, ModifyJob, ModifyJobAsync, StatusJob
	Text     string      // MessageJob
	FileOpt  int         // MessageJob output selector
	NodeList string      // ReleaseNodes
	Signal   string      // SignalJob
	Argv     []string    // Spawn
	Envp     []string    // Spawn
	Register *Register   // RegisterDependency
	Track    *Track      // TrackJob
	Stage    *FileStage  // CopyFiles, CopyFilesCred, DeleteFiles, DeleteFilesCred
	Cred     *Credential // PushCredential

	// Reply is filled in by the reply demultiplexer before the request's
	// completion handler runs. It is nil until the request resolves.
	Reply *Reply
}

// New constructs a request of the given type for the given job, stamped with
// the current time.
func New(t ReqType, jobID string) *Request {
	return &Request{Type: t, JobID: jobID, Created: time.Now()}
}

// A Choice discriminates the payload attached to a Reply.
type Choice uint8

const (
	ChoiceNone   Choice = iota // no payload
	ChoiceJobID                // a job identifier
	ChoiceText                 // free text
	ChoiceStatus               // a list of status entries
)

func (c Choice) String() string {
	switch c {
	case ChoiceNone:
		return "none"
	case ChoiceJobID:
		return "job-id"
	case ChoiceText:
		return "text"
	case ChoiceStatus:
		return "status"
	default:
		return fmt.Sprintf("choice %d", uint8(c))
	}
}

// A StatusEntry is one object reported in a status reply.
type StatusEntry struct {
	Kind  int    `cbor:"kind"` // object class: job, queue, server, ...
	Name  string `cbor:"name"`
	Attrs []Attr `cbor:"attrs,omitempty"`
}

// A Reply is the outcome of one Request. Code carries the protocol result;
// Choice selects which payload field, if any, is meaningful.
type Reply struct {
	Code   Code          `cbor:"code"`
	Aux    int32         `cbor:"aux,omitempty"`
	Choice Choice        `cbor:"choice"`
	JobID  string        `cbor:"jobid,omitempty"`
	Text   string        `cbor:"text,omitempty"`
	Status []StatusEntry `cbor:"status,omitempty"`
}
