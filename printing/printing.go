// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package printing spools print jobs received from the device: each
// job is a linked sequence of per-page temp files plus a status, and a
// cancel at any state unwinds cleanly.
package printing

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/psilink/pocketfs/internal/fserrors"
	"github.com/psilink/pocketfs/internal/logger"
)

// Status of a print job.
type Status int

const (
	StatusIdle Status = iota
	StatusStart
	StatusReceiving
	StatusComplete
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusStart:
		return "Start"
	case StatusReceiving:
		return "Receiving"
	case StatusComplete:
		return "Complete"
	case StatusCancelled:
		return "Cancelled"
	}
	return "Idle"
}

// Page is one spooled page.
type Page struct {
	Path string
	Size int64
}

// Job is one print job in the spool.
type Job struct {
	ID     string
	Status Status
	Pages  []Page

	// current receives the in-flight page.
	current *os.File
}

// Spool manages print jobs. Single-task discipline, like the cache.
type Spool struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	dir string

	/////////////////////////
	// Mutable state
	/////////////////////////

	jobs   []*Job
	active *Job
}

// NewSpool stores page files under dir, creating it if needed.
func NewSpool(dir string) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Spool{dir: dir}, nil
}

// Jobs lists every job, oldest first.
func (sp *Spool) Jobs() []*Job { return sp.jobs }

// Start opens a new job. Only one job receives at a time.
func (sp *Spool) Start() (*Job, error) {
	if sp.active != nil {
		return nil, fmt.Errorf("%w: a job is already receiving", fserrors.ErrBadParams)
	}
	j := &Job{ID: uuid.NewString(), Status: StatusStart}
	sp.jobs = append(sp.jobs, j)
	sp.active = j
	logger.Debugf("print job %s started", j.ID)
	return j, nil
}

// Receive appends data to the job's current page, opening one if
// needed.
func (sp *Spool) Receive(j *Job, data []byte) error {
	if j.Status != StatusStart && j.Status != StatusReceiving {
		return fmt.Errorf("%w: job is %v", fserrors.ErrBadParams, j.Status)
	}
	if j.current == nil {
		name := filepath.Join(sp.dir, fmt.Sprintf("%s-page%03d", j.ID, len(j.Pages)+1))
		f, err := os.Create(name)
		if err != nil {
			return err
		}
		j.current = f
	}
	j.Status = StatusReceiving
	_, err := j.current.Write(data)
	return err
}

// EndPage finishes the in-flight page.
func (sp *Spool) EndPage(j *Job) error {
	if j.current == nil {
		return nil
	}
	info, _ := j.current.Stat()
	page := Page{Path: j.current.Name()}
	if info != nil {
		page.Size = info.Size()
	}
	err := j.current.Close()
	j.current = nil
	j.Pages = append(j.Pages, page)
	return err
}

// Complete ends the job normally, closing any open page.
func (sp *Spool) Complete(j *Job) error {
	if err := sp.EndPage(j); err != nil {
		return err
	}
	j.Status = StatusComplete
	if sp.active == j {
		sp.active = nil
	}
	logger.Infof("print job %s complete, %d pages", j.ID, len(j.Pages))
	return nil
}

// Cancel unwinds a job from any state, removing its page files.
func (sp *Spool) Cancel(j *Job) {
	if j.current != nil {
		name := j.current.Name()
		_ = j.current.Close()
		_ = os.Remove(name)
		j.current = nil
	}
	for _, p := range j.Pages {
		_ = os.Remove(p.Path)
	}
	j.Pages = nil
	j.Status = StatusCancelled
	if sp.active == j {
		sp.active = nil
	}
	logger.Infof("print job %s cancelled", j.ID)
}

// Remove drops a finished job from the spool, deleting any remaining
// page files.
func (sp *Spool) Remove(j *Job) {
	if j.Status != StatusComplete && j.Status != StatusCancelled {
		sp.Cancel(j)
	}
	for _, p := range j.Pages {
		_ = os.Remove(p.Path)
	}
	for i, q := range sp.jobs {
		if q == j {
			sp.jobs = append(sp.jobs[:i], sp.jobs[i+1:]...)
			break
		}
	}
}
