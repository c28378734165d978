// storecheck verifies a configured store backend end to end: connectivity,
// put/get/delete, TTL expiry and prefix listing. Run it against the Redis or
// Postgres deployment before pointing a proxy at it.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/edgebridge/proxy/internal/store"
)

type result struct {
	Check   string
	Passed  bool
	Details string
}

func main() {
	_ = godotenv.Load()

	backend := os.Getenv("STORE_BACKEND")
	if backend == "" {
		if os.Getenv("REDIS_ADDR") != "" {
			backend = "redis"
		} else if os.Getenv("DATABASE_URL") != "" {
			backend = "postgres"
		} else {
			backend = "memory"
		}
	}

	fmt.Printf("Store backend check: %s\n", backend)
	fmt.Println("--------------------------------------------")

	s, err := open(backend)
	if err != nil {
		fmt.Printf("  connect: FAIL (%v)\n", err)
		os.Exit(1)
	}
	defer s.Close()
	fmt.Println("  connect: OK")

	ctx := context.Background()
	// Unique prefix per run so concurrent checks and leftovers cannot collide.
	prefix := "storecheck:" + uuid.New().String() + ":"

	results := []result{
		roundTrip(ctx, s, prefix),
		ttlExpiry(ctx, s, prefix),
		deletion(ctx, s, prefix),
		prefixList(ctx, s, prefix),
	}

	failures := 0
	for _, r := range results {
		status := "PASS"
		if !r.Passed {
			status = "FAIL"
			failures++
		}
		fmt.Printf("  %-14s %s", r.Check, status)
		if r.Details != "" {
			fmt.Printf("  (%s)", r.Details)
		}
		fmt.Println()
	}

	fmt.Println("--------------------------------------------")
	if failures > 0 {
		fmt.Printf("%d check(s) failed.\n", failures)
		os.Exit(1)
	}
	fmt.Println("Backend ready.")
}

func open(backend string) (store.Store, error) {
	switch backend {
	case "redis":
		db, _ := strconv.Atoi(os.Getenv("REDIS_DB"))
		return store.NewRedis(os.Getenv("REDIS_ADDR"), os.Getenv("REDIS_PASSWORD"), db)
	case "postgres":
		return store.NewPostgres(os.Getenv("DATABASE_URL"))
	case "memory":
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", backend)
	}
}

func roundTrip(ctx context.Context, s store.Store, prefix string) result {
	key := prefix + "roundtrip"
	want := []byte(`{"probe":true}`)
	if err := s.Put(ctx, key, want, time.Minute); err != nil {
		return result{"roundtrip", false, err.Error()}
	}
	got, err := s.Get(ctx, key)
	if err != nil {
		return result{"roundtrip", false, err.Error()}
	}
	if string(got) != string(want) {
		return result{"roundtrip", false, fmt.Sprintf("read back %q", got)}
	}
	return result{"roundtrip", true, ""}
}

func ttlExpiry(ctx context.Context, s store.Store, prefix string) result {
	key := prefix + "ttl"
	if err := s.Put(ctx, key, []byte("x"), time.Second); err != nil {
		return result{"ttl expiry", false, err.Error()}
	}
	time.Sleep(1500 * time.Millisecond)
	got, err := s.Get(ctx, key)
	if err != nil {
		return result{"ttl expiry", false, err.Error()}
	}
	if got != nil {
		return result{"ttl expiry", false, "entry survived its TTL"}
	}
	return result{"ttl expiry", true, ""}
}

func deletion(ctx context.Context, s store.Store, prefix string) result {
	key := prefix + "delete"
	if err := s.Put(ctx, key, []byte("x"), time.Minute); err != nil {
		return result{"delete", false, err.Error()}
	}
	if err := s.Delete(ctx, key); err != nil {
		return result{"delete", false, err.Error()}
	}
	got, err := s.Get(ctx, key)
	if err != nil {
		return result{"delete", false, err.Error()}
	}
	if got != nil {
		return result{"delete", false, "entry survived delete"}
	}
	return result{"delete", true, ""}
}

func prefixList(ctx context.Context, s store.Store, prefix string) result {
	listPrefix := prefix + "list:"
	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("%s%d", listPrefix, i)
		if err := s.Put(ctx, key, []byte("x"), time.Minute); err != nil {
			return result{"prefix list", false, err.Error()}
		}
		defer s.Delete(ctx, key)
	}
	keys, err := s.List(ctx, listPrefix)
	if err != nil {
		return result{"prefix list", false, err.Error()}
	}
	if len(keys) != 3 {
		return result{"prefix list", false, fmt.Sprintf("listed %d keys, want 3", len(keys))}
	}
	return result{"prefix list", true, ""}
}
