package handler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/SOG-web/reauth-sub001/internal/audit/domain"
	"github.com/SOG-web/reauth-sub001/internal/server/interceptors"
)

type stubRepo struct {
	entries []*domain.Entry
	err     error
	gotType string
	gotID   string
	gotLim  int
}

func (r *stubRepo) Create(context.Context, *domain.Entry) error { return nil }

func (r *stubRepo) ListBySubject(_ context.Context, subjectType, subjectID string, limit, offset int) ([]*domain.Entry, error) {
	r.gotType, r.gotID, r.gotLim = subjectType, subjectID, limit
	if r.err != nil {
		return nil, r.err
	}
	if offset >= len(r.entries) {
		return nil, nil
	}
	end := offset + limit
	if end > len(r.entries) {
		end = len(r.entries)
	}
	return r.entries[offset:end], nil
}

func authed() context.Context {
	return interceptors.WithIdentity(context.Background(), interceptors.Identity{SubjectType: "user", SubjectID: "u1", SessionID: "s1"})
}

func TestListEvents(t *testing.T) {
	repo := &stubRepo{}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		repo.entries = append(repo.entries, &domain.Entry{ID: fmt.Sprintf("e%d", i), Action: "session.created", Status: "ok", Metadata: `{"k":"v"}`, CreatedAt: at})
	}
	srv := NewServer(repo)

	resp, err := srv.ListEvents(authed(), &ListEventsRequest{PageSize: 2})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if repo.gotType != "user" || repo.gotID != "u1" || repo.gotLim != 3 {
		t.Errorf("repo called with %s/%s limit %d", repo.gotType, repo.gotID, repo.gotLim)
	}
	if len(resp.Events) != 2 || resp.NextOffset != 2 {
		t.Fatalf("page = %d events, next %d", len(resp.Events), resp.NextOffset)
	}
	if string(resp.Events[0].Metadata) != `{"k":"v"}` {
		t.Errorf("metadata = %s", resp.Events[0].Metadata)
	}

	resp, err = srv.ListEvents(authed(), &ListEventsRequest{PageSize: 2, Offset: 2})
	if err != nil {
		t.Fatalf("ListEvents page 2: %v", err)
	}
	if len(resp.Events) != 1 || resp.NextOffset != 0 {
		t.Errorf("page 2 = %d events, next %d", len(resp.Events), resp.NextOffset)
	}
}

func TestListEventsErrors(t *testing.T) {
	if _, err := NewServer(nil).ListEvents(authed(), &ListEventsRequest{}); status.Code(err) != codes.Unimplemented {
		t.Errorf("nil repo code = %v", status.Code(err))
	}
	srv := NewServer(&stubRepo{err: errors.New("db down")})
	if _, err := srv.ListEvents(context.Background(), &ListEventsRequest{}); status.Code(err) != codes.Unauthenticated {
		t.Errorf("anonymous code = %v", status.Code(err))
	}
	if _, err := srv.ListEvents(authed(), &ListEventsRequest{Offset: -1}); status.Code(err) != codes.InvalidArgument {
		t.Errorf("negative offset code = %v", status.Code(err))
	}
	if _, err := srv.ListEvents(authed(), &ListEventsRequest{}); status.Code(err) != codes.Internal {
		t.Errorf("repo error code = %v", status.Code(err))
	}
}

func TestListEventsClampsPageSize(t *testing.T) {
	repo := &stubRepo{}
	if _, err := NewServer(repo).ListEvents(authed(), &ListEventsRequest{PageSize: 10000}); err != nil {
		t.Fatal(err)
	}
	if repo.gotLim != maxPageSize+1 {
		t.Errorf("limit = %d", repo.gotLim)
	}
}
