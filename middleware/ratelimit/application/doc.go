// Package application contém os casos de uso do rate limit por tier e do
// limite de concorrência.
//
// Ele depende apenas do pacote domain (e de golang.org/x/time/rate para
// amostrar logs) e não conhece net/http.
//
//   - TierResolver.Resolve(id) -> (tier, rpm)
//   - LeakyBucket: vazamento, remaining, reset e retry-after
//   - Service.Check(ctx, id) -> Decision (com política fail-open)
//   - Service.Stats(ctx, id) -> BucketSnapshot (só leitura)
package application
