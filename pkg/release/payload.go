package release

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// ProductName is the name the mock binary reports when executed
const ProductName = "Containarium"

// MockBinary renders the placeholder served for every binary download: a shell
// script that prints a fixed version string.
func MockBinary(v *semver.Version) []byte {
	return []byte(fmt.Sprintf("#!/bin/bash\necho \"%s v%s (mock)\"\n", ProductName, v.String()))
}

// BinaryName extracts the requested filename from a binaries path. It is the
// final path segment, taken verbatim, so "/binaries/" yields "" and
// "/binaries/a/b" yields "b".
func BinaryName(path string) string {
	return path[strings.LastIndex(path, "/")+1:]
}
