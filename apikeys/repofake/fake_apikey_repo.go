package fakeapikeyrepo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nwardle/chartreg/apikeys"
	apperrors "github.com/nwardle/chartreg/internal/errors"
)

var _ apikeys.Repo = (*FakeAPIKeyRepo)(nil)

type FakeAPIKeyRepo struct {
	keys   map[int64]*apikeys.APIKey
	nextID int64
	lock   sync.RWMutex
}

func NewFakeAPIKeyRepo() *FakeAPIKeyRepo {
	return &FakeAPIKeyRepo{
		keys:   make(map[int64]*apikeys.APIKey),
		nextID: 1,
	}
}

func (kr *FakeAPIKeyRepo) Create(_ context.Context, key *apikeys.APIKey) error {
	kr.lock.Lock()
	defer kr.lock.Unlock()

	if key.ID == 0 {
		key.ID = kr.nextID
		kr.nextID++
	}
	key.CreatedAt = time.Now().UTC()

	clone := *key
	kr.keys[key.ID] = &clone
	return nil
}

func (kr *FakeAPIKeyRepo) GetByID(_ context.Context, id int64) (*apikeys.APIKey, error) {
	kr.lock.RLock()
	defer kr.lock.RUnlock()

	key, ok := kr.keys[id]
	if !ok {
		return nil, apperrors.ErrAPIKeyNotFound
	}
	clone := *key
	return &clone, nil
}

func (kr *FakeAPIKeyRepo) GetByToken(_ context.Context, token string) (*apikeys.APIKey, error) {
	kr.lock.RLock()
	defer kr.lock.RUnlock()

	for _, key := range kr.keys {
		if key.Token == token {
			clone := *key
			return &clone, nil
		}
	}
	return nil, apperrors.ErrAPIKeyNotFound
}

func (kr *FakeAPIKeyRepo) ListByOwner(_ context.Context, owner int64) ([]apikeys.APIKey, error) {
	kr.lock.RLock()
	defer kr.lock.RUnlock()

	var keys []apikeys.APIKey
	for _, key := range kr.keys {
		if key.Owner == owner {
			keys = append(keys, *key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].ID < keys[j].ID })
	return keys, nil
}

func (kr *FakeAPIKeyRepo) Delete(_ context.Context, id int64) error {
	kr.lock.Lock()
	defer kr.lock.Unlock()

	delete(kr.keys, id)
	return nil
}
