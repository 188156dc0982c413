package storage

import (
	"context"
	"sync"
	"testing"
	"time"
)

// sharedPair returns two origins on one backing store.
type sharedPair func(t *testing.T) (writer, reader Durable)

func durableBackends() map[string]sharedPair {
	return map[string]sharedPair{
		"memory": func(t *testing.T) (Durable, Durable) {
			hub := NewHub()
			return NewMemory(hub), NewMemory(hub)
		},
		"sqlite": func(t *testing.T) (Durable, Durable) {
			dir := t.TempDir()
			a, err := Open(dir, 10*time.Millisecond)
			if err != nil {
				t.Fatalf("Open A: %v", err)
			}
			t.Cleanup(func() { a.Close() })
			b, err := Open(dir, 10*time.Millisecond)
			if err != nil {
				t.Fatalf("Open B: %v", err)
			}
			t.Cleanup(func() { b.Close() })
			return a, b
		},
		"redis": func(t *testing.T) (Durable, Durable) {
			a, b := openTestRedis(t), openTestRedis(t)
			a.Remove(context.Background(), "user", "access_token", "refresh_token")
			return a, b
		},
	}
}

func TestGetMany(t *testing.T) {
	for name, open := range durableBackends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			writer, reader := open(t)

			if err := writer.Set(ctx, map[string]string{"user": "u", "access_token": "a"}); err != nil {
				t.Fatalf("Set: %v", err)
			}
			got, err := reader.GetMany(ctx, "user", "access_token", "refresh_token")
			if err != nil {
				t.Fatalf("GetMany: %v", err)
			}
			if len(got) != 2 || got["user"] != "u" || got["access_token"] != "a" {
				t.Errorf("GetMany = %v, want user and access_token only", got)
			}
		})
	}
}

func TestRemoveIf(t *testing.T) {
	for name, open := range durableBackends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			writer, reader := open(t)
			keys := []string{"user", "access_token", "refresh_token"}

			if err := writer.Set(ctx, map[string]string{"user": "u"}); err != nil {
				t.Fatalf("Set: %v", err)
			}
			partial, err := reader.GetMany(ctx, keys...)
			if err != nil {
				t.Fatalf("GetMany: %v", err)
			}

			// Another origin completes the state before the purge runs.
			if err := writer.Set(ctx, map[string]string{"access_token": "a", "refresh_token": "r"}); err != nil {
				t.Fatalf("Set: %v", err)
			}
			removed, err := reader.RemoveIf(ctx, partial, keys...)
			if err != nil {
				t.Fatalf("RemoveIf: %v", err)
			}
			if removed {
				t.Fatal("RemoveIf removed keys that changed since they were read")
			}
			if got, _ := reader.GetMany(ctx, keys...); len(got) != 3 {
				t.Errorf("after refused RemoveIf got %v, want all three keys", got)
			}

			current, err := reader.GetMany(ctx, keys...)
			if err != nil {
				t.Fatalf("GetMany: %v", err)
			}
			removed, err = reader.RemoveIf(ctx, current, keys...)
			if err != nil {
				t.Fatalf("RemoveIf: %v", err)
			}
			if !removed {
				t.Fatal("RemoveIf refused an unchanged state")
			}
			if got, _ := reader.GetMany(ctx, keys...); len(got) != 0 {
				t.Errorf("after RemoveIf got %v, want nothing", got)
			}
		})
	}
}

func TestGetManyNeverSeesHalfAWrite(t *testing.T) {
	for name, open := range durableBackends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			writer, reader := open(t)
			keys := []string{"user", "access_token", "refresh_token"}
			state := func(id string) map[string]string {
				return map[string]string{"user": id, "access_token": "a-" + id, "refresh_token": "r-" + id}
			}
			if err := writer.Set(ctx, state("u1")); err != nil {
				t.Fatalf("Set: %v", err)
			}

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := range 50 {
					id := "u1"
					if i%2 == 0 {
						id = "u2"
					}
					if err := writer.Set(ctx, state(id)); err != nil {
						t.Errorf("Set: %v", err)
						return
					}
				}
			}()
			for range 50 {
				got, err := reader.GetMany(ctx, keys...)
				if err != nil {
					t.Errorf("GetMany: %v", err)
					break
				}
				id := got["user"]
				if got["access_token"] != "a-"+id || got["refresh_token"] != "r-"+id {
					t.Errorf("mixed snapshot %v", got)
				}
			}
			wg.Wait()
		})
	}
}
