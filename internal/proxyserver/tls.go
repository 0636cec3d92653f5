package proxyserver

import "crypto/tls"

// tlsConfigInsecure is the upstream TLS config used once the proxy has
// already decided to MITM a connection: the proxy itself is the trust
// boundary the operator accepted by enabling --insecure, so verifying the
// upstream's certificate again adds nothing (spec.md §4.6 step 2a).
var tlsConfigInsecure = tls.Config{InsecureSkipVerify: true} //nolint:gosec // intentional, see comment
