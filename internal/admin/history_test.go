package admin

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/festival/regionchat/internal/store"
)

func TestHistoryRoutesNeedStore(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/api/me/messages", "user-tok", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRegionMessages(t *testing.T) {
	f := newFixture(t)
	f.h.WithHistory(f.store)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.store.AppendMessage(ctx, store.NewMessage{Region: "seoul", AuthorUserID: 2, Content: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}
	_, err := f.store.AppendMessage(ctx, store.NewMessage{Region: "busan", AuthorUserID: 2, Content: "far away"})
	require.NoError(t, err)

	w := f.do(http.MethodGet, "/api/regions/seoul/messages?size=2", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodGet, "/api/regions/seoul/messages?size=2", "user-tok", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	page := decode[store.MessagePage](t, w)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 2, page.Size)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "m2", page.Messages[0].Content)

	page = decode[store.MessagePage](t, f.do(http.MethodGet, "/api/regions/seoul/messages?page=1&size=2", "user-tok", ""))
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "m0", page.Messages[0].Content)

	for _, q := range []string{"page=-1", "size=ten"} {
		w := f.do(http.MethodGet, "/api/regions/seoul/messages?"+q, "user-tok", "")
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
	w = f.do(http.MethodGet, "/api/regions/%20/messages", "user-tok", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMyMessages(t *testing.T) {
	f := newFixture(t)
	f.h.WithHistory(f.store)
	ctx := context.Background()

	mine, err := f.store.AppendMessage(ctx, store.NewMessage{Region: "seoul", AuthorUserID: 1, Content: "mine"})
	require.NoError(t, err)
	_, err = f.store.HideMessage(ctx, mine.ID)
	require.NoError(t, err)
	_, err = f.store.AppendMessage(ctx, store.NewMessage{Region: "seoul", AuthorUserID: 2, Content: "theirs"})
	require.NoError(t, err)

	page := decode[store.MessagePage](t, f.do(http.MethodGet, "/api/me/messages", "user-tok", ""))
	assert.Equal(t, store.DefaultPageSize, page.Size)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, mine.ID, page.Messages[0].ID)
	assert.True(t, page.Messages[0].Hidden)

	page = decode[store.MessagePage](t, f.do(http.MethodGet, "/api/me/messages", "admin-tok", ""))
	assert.Zero(t, page.Total)
	assert.NotNil(t, page.Messages)
}
