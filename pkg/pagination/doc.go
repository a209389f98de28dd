// Package pagination unrolls paginated action=query requests.
//
// A Generator issues one request per round, yields the items of each
// response in server order and merges the server's continuation tokens into
// the next request until none are returned or the caller's item limit is
// reached. The page size per round is derived from the module schema
// reported by action=paraminfo, raised to the high limit for users holding
// the apihighlimits right.
//
// Example usage:
//
//	gen, err := pagination.New(ctx, c, site, pagination.KindList, "allpages",
//		params.Set{"apnamespace": {"0"}})
//	if err != nil {
//		return err
//	}
//	gen.SetMaximumItems(100)
//	for page, err := range gen.All(ctx) {
//		...
//	}
//
// Drain pulls several independent generators concurrently with a bounded
// worker pool.
package pagination
