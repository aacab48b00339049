// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dwp

import "fmt"

// Location identifies a code position inside the runtime: a byte index within
// a method of a reference type. It is a value type used in protocol payloads;
// equality is exact field-wise comparison (the == operator), and no ordering
// is defined.
type Location struct {
	ClassID  uint64
	MethodID uint64
	Index    uint64
	TypeTag  TypeTag
}

// String returns a stable human-readable rendering for logs and traces.
func (l Location) String() string {
	return fmt.Sprintf("Location[class=0x%x method=0x%x @%d %s]", l.ClassID, l.MethodID, l.Index, l.TypeTag)
}
