// Package archive keeps per-iteration provenance of a controller run.
//
// The solver always reads and writes the same fixed file names. After every
// attempt the controller copies the input and renames the output and log to
// zero-padded indexed names (abinit_00.in, abinit_00.out, ...). The set of
// indexed names on disk is also how a restarted controller finds where the
// previous one left off.
package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/roach88/orbitaldftu/internal/abinit"
)

// Fixed artifact names in the working directory.
const (
	InputFile      = "abinit.in"
	FilesFile      = "abinit.files"
	OutputFile     = "abinit.out"
	LogFile        = "abinit.log"
	ErrFile        = "abinit.err"
	RestartOutFile = "abinit-o_WFK"
	RestartInFile  = "abinit-i_WFK"
	CompletionFile = "COMPLETE"
)

// Indexed artifact kinds.
const (
	KindInput  = "in"
	KindOutput = "out"
	KindLog    = "log"
)

var indexedPattern = regexp.MustCompile(`^abinit_(\d{2,})\.(in|out|log)$`)

// IndexedName returns the archive name of an artifact kind for index.
func IndexedName(kind string, index int) string {
	return fmt.Sprintf("abinit_%02d.%s", index, kind)
}

// Archive manages artifacts inside one working directory.
type Archive struct {
	dir string
}

// New returns an Archive rooted at dir.
func New(dir string) *Archive {
	return &Archive{dir: dir}
}

// Dir returns the working directory.
func (a *Archive) Dir() string { return a.dir }

// Path joins name onto the working directory.
func (a *Archive) Path(name string) string {
	return filepath.Join(a.dir, name)
}

// Exists reports whether the named artifact is a regular file.
func (a *Archive) Exists(name string) bool {
	fi, err := os.Stat(a.Path(name))
	return err == nil && fi.Mode().IsRegular()
}

// ArchiveInput copies the live input to its indexed name, replacing any
// earlier copy for the same index.
func (a *Archive) ArchiveInput(index int) error {
	src := a.Path(InputFile)
	dst := a.Path(IndexedName(KindInput, index))
	if err := copyFile(src, dst); err != nil {
		return fmt.Errorf("archive input %d: %w", index, err)
	}
	return nil
}

// ArchiveOutput renames the live output to its indexed name. It is a no-op
// when there is no live output.
func (a *Archive) ArchiveOutput(index int) error {
	return a.renameIfExists(OutputFile, IndexedName(KindOutput, index))
}

// ArchiveLog renames the live log to its indexed name. It is a no-op when
// there is no live log.
func (a *Archive) ArchiveLog(index int) error {
	return a.renameIfExists(LogFile, IndexedName(KindLog, index))
}

// PromoteRestartFile turns the wavefunction written by the last run into the
// one read by the next. It reports whether a restart file was promoted.
func (a *Archive) PromoteRestartFile() (bool, error) {
	if !a.Exists(RestartOutFile) {
		return false, nil
	}
	if err := a.renameIfExists(RestartOutFile, RestartInFile); err != nil {
		return false, err
	}
	return true, nil
}

// RestartAvailable reports whether a wavefunction is ready to be read.
func (a *Archive) RestartAvailable() bool {
	return a.Exists(RestartInFile)
}

// DiscardAttempt removes the live output, log and restart wavefunction left
// by a truncated or interrupted run so the next attempt starts from the same
// state as the previous one. The restart wavefunction already promoted to
// abinit-i_WFK is kept.
func (a *Archive) DiscardAttempt() error {
	for _, name := range []string{OutputFile, LogFile, RestartOutFile} {
		if err := os.Remove(a.Path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("discard %s: %w", name, err)
		}
	}
	return nil
}

func (a *Archive) renameIfExists(from, to string) error {
	err := os.Rename(a.Path(from), a.Path(to))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("rename %s to %s: %w", from, to, err)
	}
	return nil
}

// List returns the names of the entries in the working directory.
func (a *Archive) List() ([]string, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// ResumeIndex scans the working directory and returns the index the next
// attempt should use.
func (a *Archive) ResumeIndex() (int, error) {
	names, err := a.List()
	if err != nil {
		return 0, fmt.Errorf("scan archive: %w", err)
	}
	return ResumeIndex(names), nil
}

// Entry is the set of artifacts archived for one index.
type Entry struct {
	Index  int  `json:"index"`
	Input  bool `json:"input"`
	Output bool `json:"output"`
	Log    bool `json:"log"`
}

// Complete reports whether the index finished (its output was archived).
func (e Entry) Complete() bool { return e.Output }

// Entries groups indexed artifact names by index, in ascending order.
func Entries(names []string) []Entry {
	byIndex := make(map[int]*Entry)
	for _, name := range names {
		m := indexedPattern.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		e, ok := byIndex[idx]
		if !ok {
			e = &Entry{Index: idx}
			byIndex[idx] = e
		}
		switch m[2] {
		case KindInput:
			e.Input = true
		case KindOutput:
			e.Output = true
		case KindLog:
			e.Log = true
		}
	}
	out := make([]Entry, 0, len(byIndex))
	for _, e := range byIndex {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// ResumeIndex computes the next index from a directory listing without
// touching the filesystem. With no indexed artifacts it returns 0. Otherwise
// the highest index is resumed after if its output was archived, and redone
// if the controller stopped before archiving it.
func ResumeIndex(names []string) int {
	entries := Entries(names)
	if len(entries) == 0 {
		return 0
	}
	last := entries[len(entries)-1]
	if last.Complete() {
		return last.Index + 1
	}
	return last.Index
}

// WriteCompletion records the final index reached. Rewriting it is safe.
func (a *Archive) WriteCompletion(index int) error {
	return abinit.WriteFileAtomic(a.Path(CompletionFile), func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "%d\n", index)
		return err
	})
}

// ReadCompletion returns the index stored in the completion marker and
// whether the marker exists.
func (a *Archive) ReadCompletion() (int, bool, error) {
	raw, err := os.ReadFile(a.Path(CompletionFile))
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	idx, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, true, fmt.Errorf("completion marker: %w", err)
	}
	return idx, true, nil
}

// copyFile copies src over dst through a temp file, keeping the source
// modification time.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	fi, err := in.Stat()
	if err != nil {
		return err
	}
	err = abinit.WriteFileAtomic(dst, func(w io.Writer) error {
		_, err := io.Copy(w, in)
		return err
	})
	if err != nil {
		return err
	}
	return os.Chtimes(dst, fi.ModTime(), fi.ModTime())
}
