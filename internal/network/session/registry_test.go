package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/danmu-realtime/pkg/util/merr"
)

type RegistrySuite struct {
	suite.Suite

	mu      sync.Mutex
	changes []ChangeKind
	reg     *Registry
}

func (s *RegistrySuite) SetupTest() {
	s.changes = nil
	s.reg = NewRegistry(WithObserver(func(kind ChangeKind, rec Record) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.changes = append(s.changes, kind)
	}))
}

func (s *RegistrySuite) TestAddDuplicate() {
	s.NoError(s.reg.Add(Record{Identity: "c1", WorkerID: "w1"}))
	err := s.reg.Add(Record{Identity: "c1", WorkerID: "w2"})
	s.ErrorIs(err, merr.ErrDuplicateIdentity)

	rec, ok := s.reg.Get("c1")
	s.True(ok)
	s.Equal("w1", rec.WorkerID)
	s.False(rec.LastActivity.IsZero())
	s.NotNil(rec.Attributes)
	s.Equal([]ChangeKind{ChangeAdded}, s.changes)
}

func (s *RegistrySuite) TestAddMissingIdentity() {
	s.ErrorIs(s.reg.Add(Record{}), merr.ErrParameterMissing)
}

func (s *RegistrySuite) TestRemoveIdempotent() {
	s.NoError(s.reg.Add(Record{Identity: "c1"}))
	rec, ok := s.reg.Remove("c1")
	s.True(ok)
	s.Equal("c1", rec.Identity)

	_, ok = s.reg.Remove("c1")
	s.False(ok)
	s.False(s.reg.Has("c1"))
	s.Equal([]ChangeKind{ChangeAdded, ChangeRemoved}, s.changes)
}

func (s *RegistrySuite) TestSetAttribute() {
	s.NoError(s.reg.Add(Record{Identity: "c1"}))
	s.NoError(s.reg.SetAttribute("c1", "username", "ada"))

	rec, _ := s.reg.Get("c1")
	s.Equal("ada", rec.Attributes["username"])

	s.ErrorIs(s.reg.SetAttribute("missing", "username", "x"), merr.ErrConnectionNotFound)
}

func (s *RegistrySuite) TestSetAttributeRejected() {
	s.NoError(s.reg.Add(Record{Identity: "c1", Attributes: map[string]any{"username": "ada"}}))

	for _, key := range []string{"__proto__", "constructor", "prototype", "identity", "notAllowed"} {
		err := s.reg.SetAttribute("c1", key, "polluted")
		s.ErrorIs(err, merr.ErrRejectedMutation, key)
	}

	rec, _ := s.reg.Get("c1")
	s.Equal(map[string]any{"username": "ada"}, rec.Attributes)
	s.Equal([]ChangeKind{ChangeAdded}, s.changes)
}

func (s *RegistrySuite) TestAddDropsRejectedAttributes() {
	attrs := map[string]any{"__proto__": "pwn", "handle": "h", "notAllowed": 1, "username": "ada"}
	s.NoError(s.reg.Add(Record{Identity: "c1", Attributes: attrs}))

	rec, _ := s.reg.Get("c1")
	s.Equal(map[string]any{"username": "ada"}, rec.Attributes)

	kept, rejected := s.reg.FilterAttributes(attrs)
	s.Equal(map[string]any{"username": "ada"}, kept)
	s.Len(rejected, 3)
	for _, err := range rejected {
		s.ErrorIs(err, merr.ErrRejectedMutation)
	}
}

func (s *RegistrySuite) TestRemoveOwned() {
	s.NoError(s.reg.Add(Record{Identity: "c1", WorkerID: "w1"}))

	_, ok := s.reg.RemoveOwned("c1", "w2")
	s.False(ok)
	s.True(s.reg.Has("c1"))

	rec, ok := s.reg.RemoveOwned("c1", "w1")
	s.True(ok)
	s.Equal("w1", rec.WorkerID)
	s.False(s.reg.Has("c1"))
}

func (s *RegistrySuite) TestCustomAllowList() {
	reg := NewRegistry(WithAllowedAttributes("team"))
	s.NoError(reg.Add(Record{Identity: "c1"}))
	s.NoError(reg.SetAttribute("c1", "team", "red"))
	s.ErrorIs(reg.SetAttribute("c1", "username", "ada"), merr.ErrRejectedMutation)
	// reserved keys stay denied even when allow-listed
	reg = NewRegistry(WithAllowedAttributes("__proto__"))
	s.NoError(reg.Add(Record{Identity: "c1"}))
	s.ErrorIs(reg.SetAttribute("c1", "__proto__", "x"), merr.ErrRejectedMutation)
}

func (s *RegistrySuite) TestCopiesAreIsolated() {
	attrs := map[string]any{"username": "ada"}
	s.NoError(s.reg.Add(Record{Identity: "c1", Attributes: attrs}))
	attrs["username"] = "mutated"

	rec, _ := s.reg.Get("c1")
	s.Equal("ada", rec.Attributes["username"])
	rec.Attributes["username"] = "mutated"

	rec, _ = s.reg.Get("c1")
	s.Equal("ada", rec.Attributes["username"])
}

func (s *RegistrySuite) TestTouch() {
	start := time.Unix(1000, 0)
	s.NoError(s.reg.Add(Record{Identity: "c1", LastActivity: start}))

	s.True(s.reg.Touch("c1", start.Add(time.Minute)))
	rec, _ := s.reg.Get("c1")
	s.Equal(start.Add(time.Minute), rec.LastActivity)

	// never moves backwards
	s.True(s.reg.Touch("c1", start))
	rec, _ = s.reg.Get("c1")
	s.Equal(start.Add(time.Minute), rec.LastActivity)

	s.False(s.reg.Touch("missing", start))
}

func (s *RegistrySuite) TestListing() {
	local := &fakeHandle{id: "c1"}
	s.NoError(s.reg.Add(Record{Identity: "c1", WorkerID: "w1", Handle: local}))
	s.NoError(s.reg.Add(Record{Identity: "c2", WorkerID: "w2"}))
	s.NoError(s.reg.Add(Record{Identity: "c3", WorkerID: "w2", User: &User{UserID: "u3"}}))

	s.Equal(3, s.reg.Count())
	s.Len(s.reg.Local(), 1)
	s.Equal("c1", s.reg.Local()[0].Identity)
	s.Len(s.reg.OwnedBy("w2"), 2)

	authed := s.reg.ListMatching(func(rec Record) bool { return rec.User != nil })
	s.Len(authed, 1)
	s.Equal("u3", authed[0].User.UserID)

	visited := 0
	s.reg.Range(func(rec Record) bool {
		visited++
		return false
	})
	s.Equal(1, visited)

	s.reg.Reset()
	s.Equal(0, s.reg.Count())
}

func TestRegistry(t *testing.T) {
	suite.Run(t, new(RegistrySuite))
}
