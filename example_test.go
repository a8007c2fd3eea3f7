package dual_scope_limiter_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/aryangodara/dual_scope_limiter"
	"github.com/aryangodara/dual_scope_limiter/bucket_stores"
)

func ExampleDualScopeLimiter_Check() {
	store := bucket_stores.NewMemoryBucketStore(nil)
	limiter, err := dual_scope_limiter.NewDualScopeLimiter(store,
		dual_scope_limiter.BucketConfig{Capacity: 100, RefillRate: 1, RefillInterval: time.Second, TTL: time.Minute},
		dual_scope_limiter.BucketConfig{Capacity: 2, RefillRate: 1, RefillInterval: time.Second, TTL: time.Minute},
	)
	if err != nil {
		panic(err)
	}

	for i := 0; i < 3; i++ {
		res, err := limiter.Check(context.Background(), "10.0.0.1")
		if err != nil {
			panic(err)
		}
		fmt.Println(res.Verdict, res.Scope, res.Remaining)
	}
	// Output:
	// Allow client 1
	// Allow client 0
	// Deny client 0
}

func ExampleMiddleware() {
	store := bucket_stores.NewMemoryBucketStore(nil)
	limiter, err := dual_scope_limiter.NewDualScopeLimiter(store,
		dual_scope_limiter.BucketConfig{Capacity: 1, RefillRate: 1, RefillInterval: time.Minute, TTL: time.Minute},
		dual_scope_limiter.BucketConfig{Capacity: 10, RefillRate: 1, RefillInterval: time.Minute, TTL: time.Minute},
	)
	if err != nil {
		panic(err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "hello")
	})
	handler := dual_scope_limiter.Middleware(&dual_scope_limiter.AdmissionConfig{Limiter: limiter})(mux)

	for _, addr := range []string{"10.0.0.1:1", "10.0.0.2:1"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		fmt.Println(rec.Code, rec.Header().Get("X-RateLimit-Scope"))
	}
	// Output:
	// 200 client
	// 429 global
}
