package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/4very/livesync-commonlib"
	"github.com/4very/livesync-commonlib/internal/dbadapter/memory"
)

func TestStorePutThenGetRoundTrips(t *testing.T) {
	reg := memory.NewRegistry()
	ctx := context.Background()
	s, err := reg.OpenLocalDatabase(ctx, "db1", livesync.LocalDBOptions{})
	if err != nil {
		t.Fatalf("OpenLocalDatabase: %v", err)
	}

	rev, err := s.Put(ctx, "doc-1", "", map[string]string{"hello": "world"}, false)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if rev == "" {
		t.Fatal("Put returned an empty revision")
	}

	_, gotRev, err := s.Get(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if gotRev != rev {
		t.Errorf("Get rev = %q, want %q", gotRev, rev)
	}
}

func TestStoreGetMissingReturnsErrNotFound(t *testing.T) {
	reg := memory.NewRegistry()
	s, err := reg.OpenLocalDatabase(context.Background(), "db2", livesync.LocalDBOptions{})
	if err != nil {
		t.Fatalf("OpenLocalDatabase: %v", err)
	}
	if _, _, err := s.Get(context.Background(), "nope"); err != livesync.ErrNotFound {
		t.Errorf("Get on a missing id returned %v, want ErrNotFound", err)
	}
}

func TestStorePutConflictsOnStaleRevisionWithoutForce(t *testing.T) {
	reg := memory.NewRegistry()
	ctx := context.Background()
	s, err := reg.OpenLocalDatabase(ctx, "db3", livesync.LocalDBOptions{})
	if err != nil {
		t.Fatalf("OpenLocalDatabase: %v", err)
	}

	if _, err := s.Put(ctx, "doc-1", "", "v1", false); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	if _, err := s.Put(ctx, "doc-1", "stale-rev", "v2", false); err != livesync.ErrConflict {
		t.Errorf("Put with a stale revision returned %v, want ErrConflict", err)
	}
}

func TestRegistryOpenLocalDatabaseReturnsSameStoreForSameName(t *testing.T) {
	reg := memory.NewRegistry()
	ctx := context.Background()

	s1, err := reg.OpenLocalDatabase(ctx, "shared", livesync.LocalDBOptions{})
	if err != nil {
		t.Fatalf("first OpenLocalDatabase: %v", err)
	}
	if _, err := s1.Put(ctx, "doc-1", "", "v1", false); err != nil {
		t.Fatalf("Put: %v", err)
	}

	s2, err := reg.OpenLocalDatabase(ctx, "shared", livesync.LocalDBOptions{})
	if err != nil {
		t.Fatalf("second OpenLocalDatabase: %v", err)
	}
	if _, _, err := s2.Get(ctx, "doc-1"); err != nil {
		t.Errorf("doc-1 not visible through a second handle to the same name: %v", err)
	}
}

func TestStoreDestroyClearsDocsAndNotifiesSubscribers(t *testing.T) {
	reg := memory.NewRegistry()
	ctx := context.Background()
	s, err := reg.OpenLocalDatabase(ctx, "destroyme", livesync.LocalDBOptions{})
	if err != nil {
		t.Fatalf("OpenLocalDatabase: %v", err)
	}
	if _, err := s.Put(ctx, "doc-1", "", "v1", false); err != nil {
		t.Fatalf("Put: %v", err)
	}

	stream, err := s.Changes(ctx, livesync.ChangesOptions{Live: true})
	if err != nil {
		t.Fatalf("Changes: %v", err)
	}

	if err := s.Destroy(ctx); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	if _, _, err := s.Get(ctx, "doc-1"); err != livesync.ErrNotFound {
		t.Errorf("Get after Destroy returned %v, want ErrNotFound", err)
	}
	if _, err := stream.Next(ctx); err == nil {
		t.Error("expected the change stream to be closed after Destroy")
	}
}

func TestStoreReplicatePushCopiesDocsToTarget(t *testing.T) {
	reg := memory.NewRegistry()
	ctx := context.Background()
	src, err := reg.OpenLocalDatabase(ctx, "src", livesync.LocalDBOptions{})
	if err != nil {
		t.Fatalf("OpenLocalDatabase src: %v", err)
	}
	dst, err := reg.OpenLocalDatabase(ctx, "dst", livesync.LocalDBOptions{})
	if err != nil {
		t.Fatalf("OpenLocalDatabase dst: %v", err)
	}
	if _, err := src.Put(ctx, "doc-1", "", "hello", false); err != nil {
		t.Fatalf("Put: %v", err)
	}

	stream, err := src.Replicate(ctx, livesync.ReplicatePush, dst, livesync.ReplicateOptions{})
	if err != nil {
		t.Fatalf("Replicate: %v", err)
	}

	gotComplete := false
	timeout := time.After(time.Second)
loop:
	for {
		select {
		case ev, ok := <-stream.Events():
			if !ok {
				break loop
			}
			if ev.Kind == livesync.ReplicationComplete {
				gotComplete = true
			}
		case <-timeout:
			t.Fatal("Replicate never completed")
		}
	}
	if !gotComplete {
		t.Error("expected a ReplicationComplete event from a one-shot push")
	}

	if _, _, err := dst.Get(ctx, "doc-1"); err != nil {
		t.Errorf("doc-1 not present on the push target: %v", err)
	}
}

func TestStoreChangesDeliversLiveArrival(t *testing.T) {
	reg := memory.NewRegistry()
	ctx := context.Background()
	s, err := reg.OpenLocalDatabase(ctx, "live", livesync.LocalDBOptions{})
	if err != nil {
		t.Fatalf("OpenLocalDatabase: %v", err)
	}

	stream, err := s.Changes(ctx, livesync.ChangesOptions{Live: true})
	if err != nil {
		t.Fatalf("Changes: %v", err)
	}

	go func() {
		time.Sleep(5 * time.Millisecond)
		_, _ = s.Put(ctx, "doc-1", "", "v1", false)
	}()

	ev, err := stream.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev.ID != "doc-1" {
		t.Errorf("got change for %q, want %q", ev.ID, "doc-1")
	}
}
