package store

import (
	"golang.org/x/exp/slices"
)

// Per-field hook callbacks. The journal and the synchronizer register here
// instead of overriding field accessors, so a remote write is observed by
// the application exactly like a local one.

type ReadHook func(field *Field)
type WriteHook func(field *Field)
type PostWriteHook func(field *Field, changed bool)
type ChangedHook func(field *Field)

// AnyKey registers a hook for every field of the store.
const AnyKey = Key(1<<32 - 1)

// registered-callback table keyed by field
type hookTable struct {
	beforeReadHooks  map[Key][]ReadHook
	afterReadHooks   map[Key][]ReadHook
	beforeWriteHooks map[Key][]WriteHook
	afterWriteHooks  map[Key][]PostWriteHook
	changedHooks     map[Key][]ChangedHook
}

func addHook[T any](hooks *map[Key][]T, key Key, hook T) {
	if *hooks == nil {
		*hooks = map[Key][]T{}
	}
	// copy on write so a hook can register hooks
	next := slices.Clone((*hooks)[key])
	next = append(next, hook)
	(*hooks)[key] = next
}

func (self *Store) HookBeforeRead(key Key, hook ReadHook) {
	addHook(&self.hooks.beforeReadHooks, key, hook)
}

func (self *Store) HookAfterRead(key Key, hook ReadHook) {
	addHook(&self.hooks.afterReadHooks, key, hook)
}

func (self *Store) HookBeforeWrite(key Key, hook WriteHook) {
	addHook(&self.hooks.beforeWriteHooks, key, hook)
}

func (self *Store) HookAfterWrite(key Key, hook PostWriteHook) {
	addHook(&self.hooks.afterWriteHooks, key, hook)
}

func (self *Store) HookChanged(key Key, hook ChangedHook) {
	addHook(&self.hooks.changedHooks, key, hook)
}

func (self *hookTable) beforeRead(field *Field) {
	for _, hook := range self.beforeReadHooks[field.Key] {
		hook(field)
	}
	for _, hook := range self.beforeReadHooks[AnyKey] {
		hook(field)
	}
}

func (self *hookTable) afterRead(field *Field) {
	for _, hook := range self.afterReadHooks[field.Key] {
		hook(field)
	}
	for _, hook := range self.afterReadHooks[AnyKey] {
		hook(field)
	}
}

func (self *hookTable) beforeWrite(field *Field) {
	for _, hook := range self.beforeWriteHooks[field.Key] {
		hook(field)
	}
	for _, hook := range self.beforeWriteHooks[AnyKey] {
		hook(field)
	}
}

func (self *hookTable) afterWrite(field *Field, changed bool) {
	for _, hook := range self.afterWriteHooks[field.Key] {
		hook(field, changed)
	}
	for _, hook := range self.afterWriteHooks[AnyKey] {
		hook(field, changed)
	}
}

func (self *hookTable) changed(field *Field) {
	for _, hook := range self.changedHooks[field.Key] {
		hook(field)
	}
	for _, hook := range self.changedHooks[AnyKey] {
		hook(field)
	}
}
