package transport

// PolicyInput is the state the transport policy is computed from.
type PolicyInput struct {
	// Allowed is the globally enabled transport list.
	Allowed Set
	// CertificatePresent reports whether a TLS certificate is configured.
	CertificatePresent bool
	// Account is the set of transports the local account itself uses.
	Account Set
}

// Supported returns the transports servers may be registered for: the
// enabled transports restricted to the account's own, with TLS dropped when
// no certificate is available.
func Supported(in PolicyInput) Set {
	s := in.Allowed.Intersect(in.Account)
	if !in.CertificatePresent {
		s = s.Remove(TLS)
	}
	return s
}
