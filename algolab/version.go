package algolab

import (
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
)

const repoName = "github.com/bisttrading/algolab-adapter"

var (
	versionOnce     = sync.Once{}
	encodedVersions string
)

// GetVersion returns the running Go version and this module's version,
// suitable for a User-Agent header.
func GetVersion() string {
	versionOnce.Do(func() {
		buildInfo, found := debug.ReadBuildInfo()
		if found {
			for _, dep := range buildInfo.Deps {
				if strings.HasPrefix(dep.Path, repoName) {
					encodedVersions += "algolab-adapter/" + dep.Version + " "
					break
				}
			}
		}
		encodedVersions += "GoRuntime/" + runtime.Version()
	})
	return encodedVersions
}
