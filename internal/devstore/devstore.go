// Package devstore keeps per device settings keyed by device identity (MAC).
package devstore

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/escmeter/protocol"
	"github.com/temoto/escmeter/recorder"
)

const DefaultNamePrefix = "Power Meter"

type Device struct {
	Name          string                     `json:"name"`
	Config        protocol.Config            `json:"config"`
	Rotor         *recorder.GeometrySettings `json:"rotor,omitempty"`
	LastConnected time.Time                  `json:"last_connected"`
}

type Entry struct {
	Id string
	Device
}

type Store interface {
	// Get returns NotFound error for unknown id.
	Get(id string) (Device, error)
	// Put stamps LastConnected with current time.
	Put(id string, d Device) error
	Rename(id, name string) error
	Remove(id string) error
	// All is sorted by LastConnected, recent first.
	All() ([]Entry, error)
	// NextName increments persistent counter, "Power Meter N".
	NextName() (string, error)
	Clear() error
}

type document struct {
	Counter int               `json:"counter"`
	Devices map[string]Device `json:"devices"`
}

type memStore struct {
	mu  sync.Mutex
	doc document
	now func() time.Time
	// called with mu held after each mutation
	commit func(document) error
}

var _ Store = &memStore{}

func NewMemoryStore() Store { return newMemStore(nil) }

func newMemStore(commit func(document) error) *memStore {
	return &memStore{
		doc:    document{Devices: make(map[string]Device)},
		now:    time.Now,
		commit: commit,
	}
}

func (self *memStore) save() error {
	if self.commit == nil {
		return nil
	}
	return self.commit(self.doc)
}

func (self *memStore) Get(id string) (Device, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	d, ok := self.doc.Devices[id]
	if !ok {
		return Device{}, errors.NotFoundf("device id=%s", id)
	}
	return d, nil
}

func (self *memStore) Put(id string, d Device) error {
	if id == "" {
		return errors.NotValidf("device id empty")
	}
	self.mu.Lock()
	defer self.mu.Unlock()
	d.LastConnected = self.now()
	self.doc.Devices[id] = d
	return errors.Annotatef(self.save(), "device id=%s put", id)
}

func (self *memStore) Rename(id, name string) error {
	if name == "" {
		return errors.NotValidf("device name empty")
	}
	self.mu.Lock()
	defer self.mu.Unlock()
	d, ok := self.doc.Devices[id]
	if !ok {
		return errors.NotFoundf("device id=%s", id)
	}
	d.Name = name
	d.LastConnected = self.now()
	self.doc.Devices[id] = d
	return errors.Annotatef(self.save(), "device id=%s rename", id)
}

func (self *memStore) Remove(id string) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if _, ok := self.doc.Devices[id]; !ok {
		return nil
	}
	delete(self.doc.Devices, id)
	return errors.Annotatef(self.save(), "device id=%s remove", id)
}

func (self *memStore) All() ([]Entry, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	es := make([]Entry, 0, len(self.doc.Devices))
	for id, d := range self.doc.Devices {
		es = append(es, Entry{Id: id, Device: d})
	}
	sort.Slice(es, func(i, j int) bool {
		if !es[i].LastConnected.Equal(es[j].LastConnected) {
			return es[i].LastConnected.After(es[j].LastConnected)
		}
		return es[i].Id < es[j].Id
	})
	return es, nil
}

func (self *memStore) NextName() (string, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.doc.Counter++
	name := fmt.Sprintf("%s %d", DefaultNamePrefix, self.doc.Counter)
	return name, errors.Annotate(self.save(), "device counter")
}

func (self *memStore) Clear() error {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.doc = document{Devices: make(map[string]Device)}
	return errors.Annotate(self.save(), "device store clear")
}
