package native

// throwableSuper maps the JDK throwables the VM raises or lets programs
// construct to their superclass.
var throwableSuper = map[string]string{
	"java/lang/Throwable":                       "java/lang/Object",
	"java/lang/Exception":                       "java/lang/Throwable",
	"java/lang/Error":                           "java/lang/Throwable",
	"java/lang/RuntimeException":                "java/lang/Exception",
	"java/lang/ArithmeticException":             "java/lang/RuntimeException",
	"java/lang/NullPointerException":            "java/lang/RuntimeException",
	"java/lang/ClassCastException":              "java/lang/RuntimeException",
	"java/lang/IllegalArgumentException":        "java/lang/RuntimeException",
	"java/lang/IllegalStateException":           "java/lang/RuntimeException",
	"java/lang/UnsupportedOperationException":   "java/lang/RuntimeException",
	"java/lang/NegativeArraySizeException":      "java/lang/RuntimeException",
	"java/lang/IndexOutOfBoundsException":       "java/lang/RuntimeException",
	"java/lang/ArrayIndexOutOfBoundsException":  "java/lang/IndexOutOfBoundsException",
	"java/lang/StringIndexOutOfBoundsException": "java/lang/IndexOutOfBoundsException",
	"java/lang/ArrayStoreException":             "java/lang/RuntimeException",
	"java/lang/NumberFormatException":           "java/lang/IllegalArgumentException",
	"java/lang/LinkageError":                    "java/lang/Error",
	"java/lang/IncompatibleClassChangeError":    "java/lang/LinkageError",
	"java/lang/AbstractMethodError":             "java/lang/IncompatibleClassChangeError",
	"java/lang/NoSuchMethodError":               "java/lang/IncompatibleClassChangeError",
	"java/lang/NoClassDefFoundError":            "java/lang/LinkageError",
	"java/lang/VirtualMachineError":             "java/lang/Error",
	"java/lang/StackOverflowError":              "java/lang/VirtualMachineError",
}

// IsThrowable reports whether name is a JDK throwable known to the VM.
func IsThrowable(name string) bool {
	_, ok := throwableSuper[name]
	return ok
}

// IsThrowableSubclass reports whether the JDK throwable name is target or
// one of its subclasses.
func IsThrowableSubclass(name, target string) bool {
	for name != "" {
		if name == target {
			return true
		}
		name = throwableSuper[name]
	}
	return false
}

// ThrowableSuper returns the superclass of a known JDK throwable.
func ThrowableSuper(name string) (string, bool) {
	s, ok := throwableSuper[name]
	return s, ok
}
