package vm

import (
	"strings"

	"github.com/daimatz/classmod/pkg/native"
)

// messageField holds the detail message of a throwable.
const messageField = "detailMessage"

// JavaException represents a JVM exception being thrown.
type JavaException struct {
	Object *JObject
}

func (e *JavaException) Error() string {
	name := strings.ReplaceAll(e.Object.ClassName, "/", ".")
	if msg, ok := e.Message(); ok {
		return name + ": " + msg
	}
	return name
}

// Message returns the detail message, if one was given.
func (e *JavaException) Message() (string, bool) {
	v, ok := e.Object.Fields[messageField]
	if !ok || v.IsNull() {
		return "", false
	}
	s, ok := v.Ref.(string)
	return s, ok
}

// NewJavaException creates an exception of a JDK exception class.
func NewJavaException(className, message string) *JavaException {
	obj := &JObject{ClassName: className, Fields: make(map[string]Value)}
	if message != "" {
		obj.Fields[messageField] = RefValue(message)
	}
	return &JavaException{Object: obj}
}

// isInstance reports whether obj is an instance of className, using the
// loaded hierarchy for user classes and the known JDK throwables otherwise.
func isInstance(obj *JObject, className string) bool {
	if className == "" || className == "java/lang/Object" {
		return true
	}
	if obj.Class == nil {
		return native.IsThrowableSubclass(obj.ClassName, className)
	}
	for k := obj.Class; k != nil; k = k.Super {
		if k.Name == className {
			return true
		}
		if k.Native && native.IsThrowableSubclass(k.Name, className) {
			return true
		}
		for _, i := range k.Interfaces {
			if i.IsSubclassOf(className) {
				return true
			}
		}
	}
	return false
}
