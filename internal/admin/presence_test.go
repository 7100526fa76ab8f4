package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/festival/regionchat/internal/registry"
	"github.com/festival/regionchat/internal/registry/registrytest"
	"github.com/festival/regionchat/internal/session"
)

type memPresence struct {
	members  map[string][]string
	sessions map[string]*session.Session
	err      error
}

func (p *memPresence) RegionCount(_ context.Context, region string) (int64, error) {
	if p.err != nil {
		return 0, p.err
	}
	return int64(len(p.members[region])), nil
}

func (p *memPresence) RegionMembers(_ context.Context, region string) ([]string, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.members[region], nil
}

func (p *memPresence) Get(_ context.Context, connID string) (*session.Session, error) {
	return p.sessions[connID], nil
}

func TestRegionsWithMirroredCounts(t *testing.T) {
	f := newFixture(t)
	pres := &memPresence{members: map[string][]string{"seoul": {"a", "b", "remote-1"}}}
	f.h.WithPresence(pres)
	for _, id := range []string{"a", "b"} {
		f.reg.Register(registrytest.NewConn(id), registry.Identity{UserID: 1})
		_, err := f.reg.Join(id, "seoul")
		require.NoError(t, err)
	}

	regions := decode[struct {
		Regions []regionCount `json:"regions"`
	}](t, f.do(http.MethodGet, "/admin/regions", "admin-tok", ""))
	require.Len(t, regions.Regions, 1)
	assert.Equal(t, 2, regions.Regions[0].Count)
	require.NotNil(t, regions.Regions[0].Mirrored)
	assert.EqualValues(t, 3, *regions.Regions[0].Mirrored)

	pres.err = errors.New("redis down")
	w := f.do(http.MethodGet, "/admin/regions", "admin-tok", "")
	require.Equal(t, http.StatusOK, w.Code, "local counts survive a presence outage")
	regions = decode[struct {
		Regions []regionCount `json:"regions"`
	}](t, w)
	assert.Nil(t, regions.Regions[0].Mirrored)
}

func TestRegionMembers(t *testing.T) {
	f := newFixture(t)
	pres := &memPresence{
		members: map[string][]string{"seoul": {"c1", "c2", "expired"}},
		sessions: map[string]*session.Session{
			"c1": {ConnID: "c1", UserID: 1, Username: "visitor", DisplayName: "Visitor", Region: "seoul", Server: "node-a"},
			"c2": {ConnID: "c2", UserID: 2, Username: "guest", Region: "seoul", Server: "node-b"},
		},
	}
	f.h.WithPresence(pres)

	w := f.do(http.MethodGet, "/admin/regions/seoul/members", "user-tok", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(http.MethodGet, "/admin/regions/seoul/members", "admin-tok", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode[struct {
		Region  string   `json:"region"`
		Members []member `json:"members"`
	}](t, w)
	assert.Equal(t, "seoul", out.Region)
	require.Len(t, out.Members, 2)
	assert.Equal(t, "node-b", out.Members[1].Server)

	pres.err = errors.New("redis down")
	w = f.do(http.MethodGet, "/admin/regions/seoul/members", "admin-tok", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "failed to read presence", decode[map[string]string](t, w)["error"])
	assert.NotContains(t, w.Body.String(), fmt.Sprint(pres.err))
}
