//go:build unix

package doctor

import (
	"context"
	"fmt"
	"syscall"
)

// RecommendedFileDescriptors is the soft limit badger needs for its value log and tables
const RecommendedFileDescriptors uint64 = 4096

// FileDescriptorChecker checks the file descriptor soft limit for the badger store
type FileDescriptorChecker struct {
	backend string
}

func NewFileDescriptorChecker(backend string) *FileDescriptorChecker {
	return &FileDescriptorChecker{backend: backend}
}

func (c *FileDescriptorChecker) Name() string       { return "File descriptors" }
func (c *FileDescriptorChecker) Category() Category { return CategorySystem }

func (c *FileDescriptorChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{
		Name:     c.Name(),
		Category: c.Category(),
	}

	if c.backend != "badger" {
		result.Status = StatusSkipped
		result.Message = "File descriptors: only checked for the badger store"
		return result
	}

	var rLimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		result.Status = StatusWarning
		result.Message = "File descriptors: Unable to check"
		result.Details = err.Error()
		return result
	}

	softLimit := uint64(rLimit.Cur)
	if softLimit >= RecommendedFileDescriptors {
		result.Status = StatusOK
		result.Message = fmt.Sprintf("File descriptors: %d (>= %d recommended)", softLimit, RecommendedFileDescriptors)
	} else {
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("File descriptors: %d (>= %d recommended for badger)", softLimit, RecommendedFileDescriptors)
		result.Details = fmt.Sprintf("Increase with 'ulimit -n %d'", RecommendedFileDescriptors)
	}
	return result
}
