// Copyright (C) 2025 Arun Grover. All Rights Reserved.

package batch

import (
	"slices"
	"strings"
)

// Mnemonic request-type names, as accepted on command lines and in
// configuration files. The wire never carries names, only ReqType values.
var nameType = map[string]ReqType{
	"delete":         TypeDeleteJob,
	"hold":           TypeHoldJob,
	"message":        TypeMessageJob,
	"relnodes":       TypeReleaseNodes,
	"spawn":          TypeSpawn,
	"modify":         TypeModifyJob,
	"modify-async":   TypeModifyJobAsync,
	"rerun":          TypeRerunJob,
	"register":       TypeRegisterDependency,
	"signal":         TypeSignalJob,
	"status":         TypeStatusJob,
	"track":          TypeTrackJob,
	"copyfiles":      TypeCopyFiles,
	"copyfiles-cred": TypeCopyFilesCred,
	"delfiles":       TypeDeleteFiles,
	"delfiles-cred":  TypeDeleteFilesCred,
	"failover":       TypeFailoverNotify,
	"cred":           TypePushCredential,
}

// ParseReqType maps a request-type name to its ReqType. Both the mnemonic
// names ("hold") and the String form ("HoldJob") are accepted, without
// regard to case. It reports false for a name it does not know.
func ParseReqType(name string) (ReqType, bool) {
	if t, ok := nameType[strings.ToLower(name)]; ok {
		return t, true
	}
	for t, s := range typeName {
		if strings.EqualFold(s, name) {
			return t, true
		}
	}
	return TypeInvalid, false
}

// TypeNames returns the mnemonic request-type names in lexicographic order.
func TypeNames() []string {
	names := make([]string, 0, len(nameType))
	for name := range nameType {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
