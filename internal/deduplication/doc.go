// Package deduplication finds near-duplicate product records.
//
// # Overview
//
// Ingesting the same product twice (a second photo, a different angle, a
// brand spelled in capitals) leaves two records that describe one product.
// The engine scans stored products, asks the model to adjudicate candidate
// batches and consolidates its answers into suggestion groups: keep one id,
// remove the others. Nothing is deleted here; callers act on suggestions.
//
// # Algorithm
//
//  1. Load products newest first, optionally filtered by category, title
//     query (name, brand or one-sentence summary) or ingredient hints, and
//     capped at MaxScanProducts.
//  2. Partition by category. Cross-category pairs are never compared.
//  3. Within a category, ordered oldest first, compare document i against
//     every document after it, CompareBatchSize candidates per model call.
//     Candidates are ranked by heuristic Similarity and may be pruned by
//     MinHeuristic before any call is made.
//  4. Each call sends a compact projection (id, category, brand, name,
//     one-sentence summary, ingredient names) and expects a verdict naming
//     a keep_id and duplicate assertions with 0-100 confidence.
//  5. Verdicts are validated: keep_id and duplicate ids must be among the
//     compared ids, confidence is clamped to [0,100] and assertions under
//     MinConfidence are dropped.
//  6. The strongest relation per (remove, keep) pair survives. Relations
//     form an undirected graph whose connected components (size > 1) become
//     suggestions.
//
// # Choosing the keep
//
// Inside a component each product accumulates in-weight (confidence where
// it was named keep) and out-weight (confidence where it was named a
// duplicate). The keep is the product with the highest in-weight, then the
// lowest out-weight, then the earliest creation time, then the smallest id.
// Remove ids are listed newest first.
//
// # Failure Handling
//
// Batches run sequentially. A failed model call, an unparseable verdict or
// a keep_id outside the batch is logged as "dedup.batch.failed", added to
// Result.Failures (at most MaxFailures entries) and skipped. The scan itself
// still reports status "ok".
//
// # Caching
//
// With WithCache, verdicts are stored under a hash of the batch projection.
// A rescan over unchanged products then skips the model entirely. RedisCache
// is the production implementation; cache errors are logged and ignored.
//
// # Configuration
//
// Defaults come from DefaultConfig and may be overridden through
// CAREPICK_DEDUP_* environment variables (see ConfigFromEnv). Each Request
// may further override the scan cap, batch size and confidence threshold
// within the MaxScanLimit, MaxBatchSize and MaxConfidence bounds.
//
// # Progress
//
// Suggest reports progress as step events with stage "dedup":
// dedup_scan_start, dedup_category_start, dedup_anchor_start,
// dedup_anchor_done and dedup_scan_done. Model deltas produced while a batch
// runs are forwarded as dedup_model_event.
package deduplication
