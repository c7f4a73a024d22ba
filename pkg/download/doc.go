// Package download issues the tokens that gate access to generated export files.
//
// Every token has a random 32-byte reference, and its value is the base64url
// HMAC-SHA256 of that reference under the service secret. The store keeps only the
// SHA-256 of the value and callers persist only the reference, so neither a leaked
// store nor a leaked job table yields usable links. Tokens are single-use: Resolve consumes
// the token atomically and every later attempt, like any attempt after the expiry,
// reports DOWNLOAD_TOKEN_EXPIRED. A token the store has never seen reports
// DOWNLOAD_TOKEN_NOT_FOUND.
//
// Records outlive their validity window by a grace period so that late requests
// are told the link expired rather than that it never existed.
//
//	svc := download.NewService(download.NewMemoryStore(0, window+grace), download.Config{Window: window, Grace: grace}, logger, metrics)
//	tok, _ := svc.Issue(ctx, download.File{JobID: job.ID, Key: key})
//	file, err := svc.Resolve(ctx, svc.Reveal(tok.Ref))
package download
