// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dwp

import "fmt"

// Tag identifies the runtime type of a value carried in a protocol payload.
// The byte values are part of the wire format; the string renderings are not.
type Tag byte

const (
	TagArray       Tag = '['
	TagByte        Tag = 'B'
	TagChar        Tag = 'C'
	TagObject      Tag = 'L'
	TagFloat       Tag = 'F'
	TagDouble      Tag = 'D'
	TagInt         Tag = 'I'
	TagLong        Tag = 'J'
	TagShort       Tag = 'S'
	TagVoid        Tag = 'V'
	TagBoolean     Tag = 'Z'
	TagString      Tag = 's'
	TagThread      Tag = 't'
	TagThreadGroup Tag = 'g'
	TagClassLoader Tag = 'l'
	TagClassObject Tag = 'c'
)

// String returns a stable human-readable rendering for logs and traces.
func (t Tag) String() string {
	switch t {
	case TagArray:
		return "Array"
	case TagByte:
		return "Byte"
	case TagChar:
		return "Char"
	case TagObject:
		return "Object"
	case TagFloat:
		return "Float"
	case TagDouble:
		return "Double"
	case TagInt:
		return "Int"
	case TagLong:
		return "Long"
	case TagShort:
		return "Short"
	case TagVoid:
		return "Void"
	case TagBoolean:
		return "Boolean"
	case TagString:
		return "String"
	case TagThread:
		return "Thread"
	case TagThreadGroup:
		return "ThreadGroup"
	case TagClassLoader:
		return "ClassLoader"
	case TagClassObject:
		return "ClassObject"
	default:
		return fmt.Sprintf("Tag[%d]", byte(t))
	}
}

// TypeTag distinguishes the kind of reference type a Location points into.
type TypeTag byte

const (
	TypeTagClass     TypeTag = 1
	TypeTagInterface TypeTag = 2
	TypeTagArray     TypeTag = 3
)

// String returns a stable human-readable rendering for logs and traces.
func (t TypeTag) String() string {
	switch t {
	case TypeTagClass:
		return "Class"
	case TypeTagInterface:
		return "Interface"
	case TypeTagArray:
		return "Array"
	default:
		return fmt.Sprintf("TypeTag[%d]", byte(t))
	}
}
