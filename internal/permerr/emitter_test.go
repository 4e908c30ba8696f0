package permerr

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportNotifiesObserversOnce(t *testing.T) {
	em := NewEmitter(10)
	var got []Event
	unsubscribe := em.Subscribe(ObserverFunc(func(e Event) { got = append(got, e) }))

	perr := em.Report("users/u2", OpUpdate, map[string]string{"role": "admin"})
	require.Len(t, got, 1)
	assert.Equal(t, "users/u2", got[0].Path)
	assert.Equal(t, OpUpdate, got[0].Operation)
	assert.JSONEq(t, `{"role":"admin"}`, string(got[0].Payload))
	assert.NotEmpty(t, got[0].ID)

	assert.True(t, errors.Is(perr, ErrPermissionDenied))
	var target *Error
	require.True(t, errors.As(error(perr), &target))
	assert.Equal(t, got[0].ID, target.Event.ID)

	unsubscribe()
	em.Report("users/u2", OpCreate, nil)
	assert.Len(t, got, 1)
}

func TestRecentIsBounded(t *testing.T) {
	em := NewEmitter(3)
	for _, p := range []string{"users/a", "users/b", "users/c", "users/d"} {
		em.Report(p, OpCreate, nil)
	}
	recent := em.Recent()
	require.Len(t, recent, 3)
	assert.Equal(t, "users/b", recent[0].Path)
	assert.Equal(t, "users/d", recent[2].Path)
}

func TestHandlerList(t *testing.T) {
	em := NewEmitter(0)
	em.Report("users/x", OpUpdate, map[string]int{"n": 1})

	rec := httptest.NewRecorder()
	NewHandler(em).List(rec, httptest.NewRequest(http.MethodGet, "/api/debug/permission-errors", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Events []Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Events, 1)
	assert.Equal(t, "users/x", body.Events[0].Path)
}
