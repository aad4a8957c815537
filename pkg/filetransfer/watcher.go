// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package filetransfer

import (
	"hash/fnv"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// FileIDFor derives the stable file id for a file name within a watched directory.
func FileIDFor(name string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return h.Sum32()
}

// DirWatcher offers every regular file of a directory and keeps the Offers in
// sync with the directory's content.
type DirWatcher struct {
	dir     string
	offers  *Offers
	watcher *fsnotify.Watcher

	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewDirWatcher offers the directory's current files and starts watching it.
func NewDirWatcher(dir string, offers *Offers) (*DirWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	dw := &DirWatcher{
		dir:     dir,
		offers:  offers,
		watcher: watcher,
		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		_ = watcher.Close()
		return nil, err
	}
	for _, entry := range entries {
		dw.update(filepath.Join(dir, entry.Name()))
	}

	go dw.handler()
	return dw, nil
}

// update offers or withdraws the file at path, depending on its existence.
func (dw *DirWatcher) update(path string) {
	id := FileIDFor(filepath.Base(path))

	if fi, err := os.Stat(path); err == nil && fi.Mode().IsRegular() {
		dw.offers.Offer(id, path)
		log.WithFields(log.Fields{
			"file": path,
			"id":   id,
		}).Debug("Offering file")
	} else {
		dw.offers.Withdraw(id)
		log.WithFields(log.Fields{
			"file": path,
			"id":   id,
		}).Debug("Withdrew file offer")
	}
}

func (dw *DirWatcher) handler() {
	defer close(dw.stopAck)

	for {
		select {
		case <-dw.stopSyn:
			return

		case event, ok := <-dw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				dw.update(event.Name)
			}

		case err, ok := <-dw.watcher.Errors:
			if !ok {
				return
			}
			log.WithFields(log.Fields{
				"dir":   dw.dir,
				"error": err,
			}).Warn("Watching offered files errored")
		}
	}
}

// Close stops watching. Offers made so far stay in place.
func (dw *DirWatcher) Close() error {
	close(dw.stopSyn)
	err := dw.watcher.Close()
	<-dw.stopAck
	return err
}
