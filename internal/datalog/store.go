// Package datalog implements the Durable Log Store: the actor that
// persists publications to disk, indexes publication ids per
// subscription in memory, and serves index and entry reads.
//
// The store runs as a single logical worker — one goroutine draining a
// mailbox channel — so index mutation and per-subscription directory
// access are trivially race-free, matching spec.md §4.1's "single-writer
// discipline".
package datalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adred-codev/wsbroker/internal/logging"
	"github.com/adred-codev/wsbroker/internal/metrics"
	"github.com/adred-codev/wsbroker/internal/wire"
)

const logDirName = "data"

// Store is the Durable Log Store actor. Construct with New, then run
// its mailbox loop with Run before issuing any calls.
type Store struct {
	rootDir string
	mailbox chan command
	logger  zerolog.Logger
	metrics *metrics.Collector

	// index is owned exclusively by the goroutine running Run; nothing
	// else touches it.
	index map[uuid.UUID]map[uuid.UUID]struct{}
}

// New creates a Store rooted at rootDir/data, creating the tree if
// needed, and rebuilds the in-memory index by scanning
// rootDir/data/*/log/* synchronously. The index reflects on-disk state
// before Run is ever called, satisfying spec.md §9's restart contract.
func New(rootDir string, mailboxSize int, logger zerolog.Logger) (*Store, error) {
	dataDir := filepath.Join(rootDir, logDirName)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, &Error{Kind: ErrorKindFileSystem, Err: fmt.Errorf("create data directory: %w", err)}
	}

	s := &Store{
		rootDir: dataDir,
		mailbox: make(chan command, mailboxSize),
		logger:  logger,
		index:   make(map[uuid.UUID]map[uuid.UUID]struct{}),
	}

	if err := s.rebuildIndex(); err != nil {
		return nil, err
	}

	return s, nil
}

// SetMetrics attaches a Prometheus collector. Optional; a nil or
// never-called SetMetrics leaves every write/read/error path as a
// no-op, so tests that don't care about metrics need not wire one.
func (s *Store) SetMetrics(m *metrics.Collector) {
	s.metrics = m
}

func (s *Store) rebuildIndex() error {
	entries, err := os.ReadDir(s.rootDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &Error{Kind: ErrorKindFileSystem, Err: fmt.Errorf("scan data directory: %w", err)}
	}

	for _, subDirEntry := range entries {
		if !subDirEntry.IsDir() {
			continue
		}
		subID, err := uuid.Parse(subDirEntry.Name())
		if err != nil {
			continue // not a subscription directory, skip
		}

		logDir := filepath.Join(s.rootDir, subDirEntry.Name(), "log")
		pubEntries, err := os.ReadDir(logDir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return &Error{Kind: ErrorKindFileSystem, SubscriptionID: subID.String(), Err: err}
		}

		for _, pubEntry := range pubEntries {
			if pubEntry.IsDir() {
				continue
			}
			pubID, err := uuid.Parse(pubEntry.Name())
			if err != nil {
				continue
			}
			set, ok := s.index[subID]
			if !ok {
				set = make(map[uuid.UUID]struct{})
				s.index[subID] = set
			}
			set[pubID] = struct{}{}
		}
	}

	s.logger.Info().
		Int("subscriptions", len(s.index)).
		Msg("rebuilt log index from disk")
	return nil
}

// Run drains the mailbox until ctx is cancelled. Call it in its own
// goroutine once after New returns.
func (s *Store) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-s.mailbox:
			s.handle(cmd)
		}
	}
}

func (s *Store) handle(cmd command) {
	defer logging.RecoverPanic(s.logger, "datalog.handle")

	switch c := cmd.(type) {
	case *putCmd:
		err := s.doPut(c.publications)
		s.recordPut(len(c.publications), err)
		c.reply <- err
	case *pullIndexCmd:
		c.reply <- s.doPullIndex(c.subscriptionID)
	case *pullEntriesCmd:
		res := s.doPullEntries(c.subscriptionID, c.publicationIDs)
		s.recordPullEntries(len(res.publications), res.err)
		c.reply <- res
	case *putMetadataCmd:
		c.reply <- s.doPutMetadata(c.metadata)
	case *pullMetadataCmd:
		c.reply <- s.doPullMetadata(c.subscriptionID)
	}
}

func (s *Store) recordPut(count int, err error) {
	if s.metrics == nil {
		return
	}
	if err != nil {
		s.metrics.LogStoreErrors.WithLabelValues(errorKindLabel(err)).Inc()
		return
	}
	for i := 0; i < count; i++ {
		s.metrics.LogStoreWrites.Inc()
	}
}

func (s *Store) recordPullEntries(count int, err error) {
	if s.metrics == nil {
		return
	}
	if err != nil {
		s.metrics.LogStoreErrors.WithLabelValues(errorKindLabel(err)).Inc()
		return
	}
	for i := 0; i < count; i++ {
		s.metrics.LogStoreReads.Inc()
	}
}

func errorKindLabel(err error) string {
	dlErr, ok := err.(*Error)
	if !ok {
		return "unknown"
	}
	switch dlErr.Kind {
	case ErrorKindFileSystem:
		return "filesystem"
	case ErrorKindEncode:
		return "encode"
	case ErrorKindDecode:
		return "decode"
	case ErrorKindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// --- command envelopes -------------------------------------------------

type command interface{ isDataLogCommand() }

type putCmd struct {
	publications []wire.Publication
	reply        chan error
}

func (*putCmd) isDataLogCommand() {}

type pullIndexCmd struct {
	subscriptionID uuid.UUID
	reply          chan pullIndexResult
}

func (*pullIndexCmd) isDataLogCommand() {}

type pullIndexResult struct {
	publicationIDs []uuid.UUID
}

type pullEntriesCmd struct {
	subscriptionID uuid.UUID
	publicationIDs []uuid.UUID
	reply          chan pullEntriesResult
}

func (*pullEntriesCmd) isDataLogCommand() {}

type pullEntriesResult struct {
	publications []wire.Publication
	err          error
}

type putMetadataCmd struct {
	metadata wire.SubscriptionMetadata
	reply    chan error
}

func (*putMetadataCmd) isDataLogCommand() {}

type pullMetadataCmd struct {
	subscriptionID uuid.UUID
	reply          chan pullMetadataResult
}

func (*pullMetadataCmd) isDataLogCommand() {}

type pullMetadataResult struct {
	metadata *wire.SubscriptionMetadata
	err      error
}

// --- public API ----------------------------------------------------------

// Put persists one or more publications and indexes their ids. Every
// publication is written before the call returns; a failure on any one
// fails the whole call, matching spec.md §4.1 (partial writes already
// committed are not rolled back).
func (s *Store) Put(ctx context.Context, publications []wire.Publication) error {
	reply := make(chan error, 1)
	cmd := &putCmd{publications: publications, reply: reply}
	select {
	case s.mailbox <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PullIndex returns the set of known publication ids for a subscription.
// An unknown subscription yields an empty set, never an error.
func (s *Store) PullIndex(ctx context.Context, subscriptionID uuid.UUID) ([]uuid.UUID, error) {
	reply := make(chan pullIndexResult, 1)
	cmd := &pullIndexCmd{subscriptionID: subscriptionID, reply: reply}
	select {
	case s.mailbox <- cmd:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.publicationIDs, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PullEntries reads each requested publication file in order. A missing
// file fails the whole call, naming the offending id.
func (s *Store) PullEntries(ctx context.Context, subscriptionID uuid.UUID, publicationIDs []uuid.UUID) ([]wire.Publication, error) {
	reply := make(chan pullEntriesResult, 1)
	cmd := &pullEntriesCmd{subscriptionID: subscriptionID, publicationIDs: publicationIDs, reply: reply}
	select {
	case s.mailbox <- cmd:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.publications, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PutMetadata writes the optional per-subscription metadata blob.
func (s *Store) PutMetadata(ctx context.Context, metadata wire.SubscriptionMetadata) error {
	reply := make(chan error, 1)
	cmd := &putMetadataCmd{metadata: metadata, reply: reply}
	select {
	case s.mailbox <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PullMetadata reads the optional per-subscription metadata blob. A
// missing metadata file is reported as a nil result with no error.
func (s *Store) PullMetadata(ctx context.Context, subscriptionID uuid.UUID) (*wire.SubscriptionMetadata, error) {
	reply := make(chan pullMetadataResult, 1)
	cmd := &pullMetadataCmd{subscriptionID: subscriptionID, reply: reply}
	select {
	case s.mailbox <- cmd:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.metadata, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// --- handlers (run only on the mailbox goroutine) -------------------------

func (s *Store) subscriptionDir(subscriptionID uuid.UUID) string {
	return filepath.Join(s.rootDir, subscriptionID.String())
}

func (s *Store) logDir(subscriptionID uuid.UUID) string {
	return filepath.Join(s.subscriptionDir(subscriptionID), "log")
}

func (s *Store) doPut(publications []wire.Publication) error {
	for _, pub := range publications {
		dir := s.logDir(pub.SubscriptionID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &Error{Kind: ErrorKindFileSystem, SubscriptionID: pub.SubscriptionID.String(), Err: err}
		}

		data, err := cbor.Marshal(pub)
		if err != nil {
			return &Error{Kind: ErrorKindEncode, SubscriptionID: pub.SubscriptionID.String(), Err: err}
		}

		path := filepath.Join(dir, pub.PublicationID.String())
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return &Error{Kind: ErrorKindFileSystem, SubscriptionID: pub.SubscriptionID.String(), PublicationID: pub.PublicationID.String(), Err: err}
		}
		_, writeErr := f.Write(data)
		closeErr := f.Close()
		if writeErr != nil {
			return &Error{Kind: ErrorKindFileSystem, SubscriptionID: pub.SubscriptionID.String(), PublicationID: pub.PublicationID.String(), Err: writeErr}
		}
		if closeErr != nil {
			return &Error{Kind: ErrorKindFileSystem, SubscriptionID: pub.SubscriptionID.String(), PublicationID: pub.PublicationID.String(), Err: closeErr}
		}

		set, ok := s.index[pub.SubscriptionID]
		if !ok {
			set = make(map[uuid.UUID]struct{})
			s.index[pub.SubscriptionID] = set
		}
		set[pub.PublicationID] = struct{}{}
	}
	return nil
}

func (s *Store) doPullIndex(subscriptionID uuid.UUID) pullIndexResult {
	set, ok := s.index[subscriptionID]
	if !ok {
		return pullIndexResult{publicationIDs: []uuid.UUID{}}
	}
	ids := make([]uuid.UUID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return pullIndexResult{publicationIDs: ids}
}

func (s *Store) doPullEntries(subscriptionID uuid.UUID, publicationIDs []uuid.UUID) pullEntriesResult {
	dir := s.logDir(subscriptionID)
	results := make([]wire.Publication, 0, len(publicationIDs))
	for _, id := range publicationIDs {
		path := filepath.Join(dir, id.String())
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return pullEntriesResult{err: &Error{Kind: ErrorKindNotFound, SubscriptionID: subscriptionID.String(), PublicationID: id.String()}}
			}
			return pullEntriesResult{err: &Error{Kind: ErrorKindFileSystem, SubscriptionID: subscriptionID.String(), PublicationID: id.String(), Err: err}}
		}
		var pub wire.Publication
		if err := cbor.Unmarshal(data, &pub); err != nil {
			return pullEntriesResult{err: &Error{Kind: ErrorKindDecode, SubscriptionID: subscriptionID.String(), PublicationID: id.String(), Err: err}}
		}
		results = append(results, pub)
	}
	return pullEntriesResult{publications: results}
}

func (s *Store) doPutMetadata(metadata wire.SubscriptionMetadata) error {
	dir := s.subscriptionDir(metadata.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &Error{Kind: ErrorKindFileSystem, SubscriptionID: metadata.ID.String(), Err: err}
	}
	data, err := cbor.Marshal(metadata)
	if err != nil {
		return &Error{Kind: ErrorKindEncode, SubscriptionID: metadata.ID.String(), Err: err}
	}
	path := filepath.Join(dir, "metadata.cbor")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return &Error{Kind: ErrorKindFileSystem, SubscriptionID: metadata.ID.String(), Err: err}
	}
	return nil
}

func (s *Store) doPullMetadata(subscriptionID uuid.UUID) pullMetadataResult {
	path := filepath.Join(s.subscriptionDir(subscriptionID), "metadata.cbor")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return pullMetadataResult{}
		}
		return pullMetadataResult{err: &Error{Kind: ErrorKindFileSystem, SubscriptionID: subscriptionID.String(), Err: err}}
	}
	var metadata wire.SubscriptionMetadata
	if err := cbor.Unmarshal(data, &metadata); err != nil {
		return pullMetadataResult{err: &Error{Kind: ErrorKindDecode, SubscriptionID: subscriptionID.String(), Err: err}}
	}
	return pullMetadataResult{metadata: &metadata}
}
