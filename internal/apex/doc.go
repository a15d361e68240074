// Package apex implements the HTTP client and payload normalization for
// Neptune Apex aquarium controllers.
//
// The controller exposes three generations of status surfaces and the client
// tries them in order of richness: the authenticated REST API (/rest/status,
// /rest/config), the legacy CGI JSON endpoint (/cgi-bin/status.json), and
// finally the XML endpoint (/cgi-bin/status.xml). All three normalize into the
// same Snapshot structure so callers never care which surface answered.
//
// REST sessions authenticate via POST /rest/login and carry a connect.sid
// cookie. A 429 from the controller disables the REST surface for the
// advertised Retry-After window (default five minutes); during that window
// the client serves status from the CGI fallbacks without touching REST.
package apex
