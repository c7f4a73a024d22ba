// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Overview
//
// Every error reply has the shape {"error": CODE, "message": text}, where CODE is an
// errcode.Code and the status comes from errcode.HTTPStatus.
//
//	if err != nil {
//		httputil.WriteAPIError(w, logger, err)
//		return
//	}
//	httputil.WriteSuccess(w, page)
//
// # Request Parsing
//
//	from, err := httputil.ParseQueryTime(r, "date_from")
//	size, err := httputil.ParseQueryInt(r, "page_size", 0, errcode.InvalidPagination)
//	outcomes := httputil.ParseQueryList(r, "outcome")
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.RecoveryMiddleware(logger),
//		httputil.LoggingMiddleware(logger),
//		httputil.MaxBytesMiddleware(1<<20),
//	)
//
// The access log is written at error for 5xx, warn for 4xx and info otherwise.
package httputil
