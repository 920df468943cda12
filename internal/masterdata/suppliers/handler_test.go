package suppliers

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/obraplan/obraplan/internal/masterdata/shared"
)

type fakeStore struct {
	byID   map[int64]Supplier
	nextID int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{byID: map[int64]Supplier{}, nextID: 1}
}

func (r *fakeStore) List(ctx context.Context, filters shared.ListFilters) ([]Supplier, int, error) {
	out := make([]Supplier, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	return out, len(out), nil
}

func (r *fakeStore) Get(ctx context.Context, id int64) (Supplier, error) {
	s, ok := r.byID[id]
	if !ok {
		return Supplier{}, shared.ErrNotFound
	}
	return s, nil
}

func (r *fakeStore) Create(ctx context.Context, s Supplier) (Supplier, error) {
	for _, existing := range r.byID {
		if existing.Code == s.Code {
			return Supplier{}, fmt.Errorf("%w: supplier code", shared.ErrDuplicate)
		}
	}
	s.ID = r.nextID
	r.nextID++
	r.byID[s.ID] = s
	return s, nil
}

func (r *fakeStore) Update(ctx context.Context, id int64, s Supplier) error {
	if _, ok := r.byID[id]; !ok {
		return shared.ErrNotFound
	}
	s.ID = id
	r.byID[id] = s
	return nil
}

func (r *fakeStore) Delete(ctx context.Context, id int64) error {
	delete(r.byID, id)
	return nil
}

func newTestHandler(t *testing.T) (http.Handler, *fakeStore, *Directory) {
	t.Helper()
	store := newFakeStore()
	service := NewService(store)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	directory := NewDirectory(service, client)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(logger, service, directory)

	router := chi.NewRouter()
	router.Route("/suppliers", h.MountRoutes)
	return router, store, directory
}

func TestHandlerShowUnknownSupplier(t *testing.T) {
	router, _, _ := newTestHandler(t)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/suppliers/77", nil))

	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, "application/json", rr.Header().Get("Content-Type"))
}

func TestHandlerCreateRequiresCode(t *testing.T) {
	router, _, _ := newTestHandler(t)

	body := strings.NewReader(`{"name":"Acme Cement"}`)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/suppliers/", body))

	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandlerCreateDuplicateCode(t *testing.T) {
	router, store, _ := newTestHandler(t)
	_, err := store.Create(context.Background(), Supplier{Code: "ACM", Name: "Acme Cement"})
	require.NoError(t, err)

	body := strings.NewReader(`{"code":"ACM","name":"Acme Clone"}`)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/suppliers/", body))

	require.Equal(t, http.StatusConflict, rr.Code)
}

func TestHandlerUpdateInvalidatesDirectory(t *testing.T) {
	router, store, directory := newTestHandler(t)
	ctx := context.Background()

	created, err := store.Create(ctx, Supplier{Code: "ACM", Name: "Acme Cement"})
	require.NoError(t, err)

	cached, err := directory.GetSupplier(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, "Acme Cement", cached.Name)

	body := strings.NewReader(`{"code":"ACM","name":"Acme Cement Renamed"}`)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPatch, fmt.Sprintf("/suppliers/%d", created.ID), body))
	require.Equal(t, http.StatusOK, rr.Code)

	cached, err = directory.GetSupplier(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, "Acme Cement Renamed", cached.Name)
}

func TestHandlerDeleteInvalidatesDirectory(t *testing.T) {
	router, store, directory := newTestHandler(t)
	ctx := context.Background()

	created, err := store.Create(ctx, Supplier{Code: "ACM", Name: "Acme Cement"})
	require.NoError(t, err)

	_, err = directory.GetSupplier(ctx, created.ID)
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, fmt.Sprintf("/suppliers/%d", created.ID), nil))
	require.Equal(t, http.StatusNoContent, rr.Code)

	_, err = directory.GetSupplier(ctx, created.ID)
	require.ErrorIs(t, err, shared.ErrNotFound)
}
