// Package webhook serves HMAC-SHA256 signed hint endpoints. A verified body
// names one or more objects that changed; each is handed to the trigger
// router as a candidate, exactly as if the object listener had seen it.
//
// Accepted bodies:
//
//	{"container": "uploads", "name": "a/b.png"}
//	{"path": "uploads/a/b.png"}
//	[{"path": "uploads/a.png"}, {"container": "uploads", "name": "b.png"}]
//
// Responses: 202 with {"hints", "invoked"}; 400 for a malformed body; 403 for
// a missing or wrong signature (no detail); 413 past max_body_size; 500 when
// the router fails.
//
// Configuration:
//
//	hints:
//	  listen: "127.0.0.1:8081"
//	  endpoints:
//	    - path: /hints/uploads
//	      secret: ${UPLOAD_HINT_SECRET}
//	      signature_header: X-Signature
//	      max_body_size: 64KB
package webhook
