// Package pidfile guards a data directory with a lock file naming the owning
// process, so two nodes never share one identity and the CLI data tools do
// not rewrite files under a running node.
package pidfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// LockFileName is created inside the data directory
const LockFileName = "node.lock"

// ErrLocked means a live process owns the data directory
var ErrLocked = errors.New("data directory in use")

// Owner represents the JSON structure of the lock file
type Owner struct {
	PID     int32     `json:"pid"`
	Name    string    `json:"name"`
	Started time.Time `json:"started"`
}

// LockedError reports the live owner of a data directory
type LockedError struct {
	Dir   string
	Owner Owner
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("%s is owned by %s (pid %d) since %s",
		e.Dir, e.Owner.Name, e.Owner.PID, e.Owner.Started.Format(time.RFC3339))
}

func (e *LockedError) Is(target error) bool {
	return target == ErrLocked
}

// Lock is a held data directory lock
type Lock struct {
	path  string
	owner Owner
}

var mu sync.Mutex

// withLockedFile opens the lock file under an exclusive flock and passes the
// current owner, if that owner is still alive
func withLockedFile(dir string, flags int, fn func(file *os.File, owner *Owner) error) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.OpenFile(filepath.Join(dir, LockFileName), flags, 0o600)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := lockFile(file); err != nil {
		return err
	}
	defer unlockFile(file)

	owner, err := readOwner(file)
	if err != nil {
		return err
	}
	if owner != nil && !isLive(*owner) {
		owner = nil
	}
	return fn(file, owner)
}

func readOwner(file *os.File) (*Owner, error) {
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read lock file: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var owner Owner
	if err := json.Unmarshal(data, &owner); err != nil {
		// unreadable lock files are stale
		return nil, nil
	}
	return &owner, nil
}

// isLive checks the recorded process still runs under the same name, which
// also catches a recycled PID
func isLive(owner Owner) bool {
	proc, err := process.NewProcess(owner.PID)
	if err != nil {
		return false
	}

	running, err := proc.IsRunning()
	if err != nil || !running {
		return false
	}

	if owner.Name == "" {
		return true
	}
	name, err := proc.Name()
	if err != nil {
		return false
	}
	return name == owner.Name
}

func currentOwner() Owner {
	pid := int32(os.Getpid())
	owner := Owner{PID: pid, Started: time.Now().UTC()}
	if proc, err := process.NewProcess(pid); err == nil {
		if name, err := proc.Name(); err == nil {
			owner.Name = name
		}
	}
	return owner
}

// writeOwner replaces the lock file content
func writeOwner(file *os.File, owner *Owner) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.Seek(0, 0); err != nil {
		return err
	}
	if owner == nil {
		return nil
	}

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(owner)
}

// Acquire takes ownership of dir for the current process. A lock left by a
// dead process is taken over.
func Acquire(dir string) (*Lock, error) {
	mu.Lock()
	defer mu.Unlock()

	me := currentOwner()
	err := withLockedFile(dir, os.O_RDWR|os.O_CREATE, func(file *os.File, owner *Owner) error {
		if owner != nil {
			return &LockedError{Dir: dir, Owner: *owner}
		}
		return writeOwner(file, &me)
	})
	if err != nil {
		return nil, err
	}
	return &Lock{path: filepath.Join(dir, LockFileName), owner: me}, nil
}

// Release gives up ownership; the lock file is left empty
func (l *Lock) Release() error {
	mu.Lock()
	defer mu.Unlock()

	return withLockedFile(filepath.Dir(l.path), os.O_RDWR, func(file *os.File, owner *Owner) error {
		if owner == nil || owner.PID != l.owner.PID {
			return nil
		}
		return writeOwner(file, nil)
	})
}

// Check returns the live owner of dir, or nil when the directory is free
func Check(dir string) (*Owner, error) {
	mu.Lock()
	defer mu.Unlock()

	var live *Owner
	err := withLockedFile(dir, os.O_RDWR|os.O_CREATE, func(file *os.File, owner *Owner) error {
		live = owner
		return nil
	})
	return live, err
}
