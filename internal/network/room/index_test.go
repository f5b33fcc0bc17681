package room

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/danmu-realtime/internal/network/session"
	"github.com/lk2023060901/danmu-realtime/pkg/util/merr"
)

type IndexSuite struct {
	suite.Suite

	reg *session.Registry
	idx *Index
}

func (s *IndexSuite) SetupTest() {
	s.reg = session.NewRegistry()
	s.idx = NewIndex(s.reg.Has)
	for _, id := range []string{"c1", "c2", "c3"} {
		s.Require().NoError(s.reg.Add(session.Record{Identity: id}))
	}
}

func (s *IndexSuite) TestJoinLeave() {
	s.NoError(s.idx.Join("general", "c1"))
	s.NoError(s.idx.Join("general", "c1"))
	s.NoError(s.idx.Join("general", "c2"))

	s.True(s.idx.IsMember("general", "c1"))
	s.Equal(2, s.idx.MembersOf("general").Len())

	s.True(s.idx.Leave("general", "c1"))
	s.False(s.idx.Leave("general", "c1"))
	s.False(s.idx.IsMember("general", "c1"))
	s.Equal([]string{"general"}, s.idx.Rooms())

	s.True(s.idx.Leave("general", "c2"))
	s.Equal(0, s.idx.Len())
	s.Equal(0, s.idx.MembersOf("general").Len())
}

func (s *IndexSuite) TestJoinUnknownIdentity() {
	s.ErrorIs(s.idx.Join("general", "ghost"), merr.ErrConnectionNotFound)
	s.ErrorIs(s.idx.Join("", "c1"), merr.ErrParameterMissing)
	s.False(s.idx.IsMember("general", "ghost"))
}

func (s *IndexSuite) TestLeaveAll() {
	s.NoError(s.idx.Join("general", "c1"))
	s.NoError(s.idx.Join("random", "c1"))
	s.NoError(s.idx.Join("random", "c2"))

	s.Equal([]string{"general", "random"}, s.idx.RoomsOf("c1"))
	s.Equal([]string{"general", "random"}, s.idx.LeaveAll("c1"))
	s.Nil(s.idx.LeaveAll("c1"))

	for _, room := range s.idx.Rooms() {
		s.False(s.idx.MembersOf(room).Contain("c1"))
	}
	s.Equal([]string{"random"}, s.idx.Rooms())
	s.Empty(s.idx.RoomsOf("c1"))
}

func (s *IndexSuite) TestMembersOfIsCopy() {
	s.NoError(s.idx.Join("general", "c1"))
	members := s.idx.MembersOf("general")
	members.Insert("c9")
	s.False(s.idx.IsMember("general", "c9"))
}

func (s *IndexSuite) TestReset() {
	s.NoError(s.idx.Join("general", "c3"))
	s.idx.Reset()
	s.Equal(0, s.idx.Len())
	s.Empty(s.idx.RoomsOf("c3"))
}

func (s *IndexSuite) TestEvictRacingJoin() {
	const n = 200
	reg := session.NewRegistry()
	idx := NewIndex(func(identity string) bool {
		ok := reg.Has(identity)
		time.Sleep(2 * time.Millisecond)
		return ok
	})

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("c%d", i)
		s.Require().NoError(reg.Add(session.Record{Identity: id}))
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = idx.Join("general", id)
		}()
		go func() {
			defer wg.Done()
			idx.Evict(id, func() bool {
				_, ok := reg.Remove(id)
				return ok
			})
		}()
	}
	wg.Wait()

	s.Equal(0, reg.Count())
	s.Equal(0, idx.MembersOf("general").Len())
	s.Empty(idx.Rooms())
}

func (s *IndexSuite) TestEvictSkipsWhenNotRegistered() {
	s.NoError(s.idx.Join("general", "c1"))
	s.False(s.idx.Evict("c1", func() bool { return false }))
	s.True(s.idx.IsMember("general", "c1"))

	s.True(s.idx.Evict("c1", func() bool {
		_, ok := s.reg.Remove("c1")
		return ok
	}))
	s.False(s.idx.IsMember("general", "c1"))
	s.ErrorIs(s.idx.Join("general", "c1"), merr.ErrConnectionNotFound)
}

func TestIndex(t *testing.T) {
	suite.Run(t, new(IndexSuite))
}
