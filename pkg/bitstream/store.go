// Copyright 2024 The Fabric Device Manager Authors. All Rights Reserved.
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

package bitstream

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const installLockFile = ".install.lock"

// Entry identifies one bitstream available in storage.
type Entry struct {
	FabricUUID string
	ImageUUID  string
	Path       string
}

// Store manages the on-disk bitstream storage directory. The layout is
// <root>/<fabric-uuid>/<image-uuid>.<ext>, the same for both container
// formats. Installs from concurrent processes are serialized with a file
// lock so a partially copied image is never picked up.
type Store struct {
	root string
}

// NewStore returns a Store rooted at the given directory.
func NewStore(root string) *Store {
	return &Store{root: root}
}

// Root returns the storage root directory.
func (s *Store) Root() string {
	return s.root
}

// Install copies the named bitstream file into storage and returns the
// installed path. For RBF bitstreams the metadata sidecar is installed
// alongside the image.
func (s *Store) Install(fname string) (string, error) {
	f, err := Open(fname)
	if err != nil {
		return "", err
	}
	defer f.Close()

	installPath := f.InstallPath(s.root)
	if installPath == "" {
		return "", errors.Errorf("%s: unable to derive installation path", fname)
	}

	if err := os.MkdirAll(filepath.Dir(installPath), 0755); err != nil {
		return "", errors.Wrap(err, "unable to create destination directory")
	}

	unlock, err := s.lockInstalls()
	if err != nil {
		return "", err
	}
	defer unlock()

	if err := copyFile(fname, installPath); err != nil {
		return "", err
	}
	if filepath.Ext(fname) == fileExtensionRBF {
		src := strings.TrimSuffix(fname, fileExtensionRBF) + fileExtensionConf
		dst := strings.TrimSuffix(installPath, fileExtensionRBF) + fileExtensionConf
		if err := copyFile(src, dst); err != nil {
			return "", err
		}
	}
	return installPath, nil
}

// lockInstalls takes an exclusive flock on the storage lock file.
func (s *Store) lockInstalls() (func(), error) {
	if err := os.MkdirAll(s.root, 0755); err != nil {
		return nil, errors.Wrap(err, "unable to create storage root")
	}
	lf, err := os.OpenFile(filepath.Join(s.root, installLockFile), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "unable to open storage lock file")
	}
	if err := unix.Flock(int(lf.Fd()), unix.LOCK_EX); err != nil {
		lf.Close()
		return nil, errors.Wrap(err, "unable to lock storage")
	}
	return func() {
		_ = unix.Flock(int(lf.Fd()), unix.LOCK_UN)
		lf.Close()
	}, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrap(err, "can't open source file")
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrap(err, "can't create destination file")
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return errors.Wrap(err, "copy failed")
	}
	return nil
}

// List walks the storage directory and returns all installed bitstreams.
func (s *Store) List() ([]Entry, error) {
	var entries []Entry

	dirs, err := os.ReadDir(s.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "can't read storage root")
	}
	for _, dir := range dirs {
		if !dir.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(s.root, dir.Name()))
		if err != nil {
			return nil, errors.Wrapf(err, "can't read storage folder %s", dir.Name())
		}
		for _, file := range files {
			ext := filepath.Ext(file.Name())
			if ext != fileExtensionFAB && ext != fileExtensionRBF {
				continue
			}
			entries = append(entries, Entry{
				FabricUUID: dir.Name(),
				ImageUUID:  strings.TrimSuffix(file.Name(), ext),
				Path:       filepath.Join(s.root, dir.Name(), file.Name()),
			})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// Lookup opens an installed bitstream by fabric and image id.
func (s *Store) Lookup(fabricUUID, imageUUID string) (File, error) {
	return GetBitstream(s.root, fabricUUID, imageUUID)
}
