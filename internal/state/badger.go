package state

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"

	"github.com/vitalis-app/governor/internal/faults"
	"github.com/vitalis-app/governor/internal/models"
)

const badgerGCInterval = 5 * time.Minute

// BadgerStore keeps the state in an embedded Badger database. A background
// loop reclaims value-log space and a final pass runs on Close.
type BadgerStore struct {
	db     *badger.DB
	key    []byte
	logger *zap.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewBadger opens (or creates) a Badger database in dir.
func NewBadger(dir, instanceID string, logger *zap.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = badgerLogger{logger.Sugar()}
	opts.SyncWrites = true
	opts.ValueLogFileSize = 64 << 20
	opts.ValueThreshold = 1 << 10
	opts.NumVersionsToKeep = 1
	opts.CompactL0OnClose = true
	opts.NumLevelZeroTables = 5
	opts.NumLevelZeroTablesStall = 10

	db, err := badger.Open(opts)
	if err != nil {
		return nil, faults.New(faults.PersistenceUnavailable, "open badger "+dir, err)
	}

	s := &BadgerStore{
		db:     db,
		key:    []byte("governor/state/" + instanceID),
		logger: logger,
		stopCh: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.gcLoop()
	return s, nil
}

func (s *BadgerStore) Backend() string { return "badger" }

func (s *BadgerStore) Load(_ context.Context) (models.ControllerState, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key)
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return models.ControllerState{}, ErrNotFound
	}
	if err != nil {
		return models.ControllerState{}, faults.New(faults.PersistenceUnavailable, "badger load", err)
	}
	return Decode(data)
}

func (s *BadgerStore) Commit(_ context.Context, st models.ControllerState) error {
	data, err := Encode(st)
	if err != nil {
		return faults.New(faults.PersistenceUnavailable, "commit", err)
	}
	// A single-key transaction is applied atomically.
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.key, data)
	})
	if err != nil {
		return faults.New(faults.PersistenceUnavailable, "badger commit", err)
	}
	return nil
}

// Close stops the GC loop, reclaims what it can and closes the database.
func (s *BadgerStore) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		s.runGC()
		err = s.db.Close()
	})
	return err
}

func (s *BadgerStore) gcLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(badgerGCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runGC()
		case <-s.stopCh:
			return
		}
	}
}

func (s *BadgerStore) runGC() {
	for {
		err := s.db.RunValueLogGC(0.5)
		if err == nil {
			continue
		}
		if !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrRejected) {
			s.logger.Debug("Value log GC error", zap.Error(err))
		}
		return
	}
}

// badgerLogger routes Badger's internal logging through zap.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.s.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.s.Warnf(f, v...) }
func (l badgerLogger) Infof(f string, v ...interface{})    { l.s.Debugf(f, v...) }
func (l badgerLogger) Debugf(f string, v ...interface{})   { l.s.Debugf(f, v...) }
