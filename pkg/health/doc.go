/*
Package health provides reachability checkers used to confirm that a
network endpoint responds, independent of any single caller's retry policy.

Two checkers are implemented: HTTPChecker (GET a URL, check the status
range) and TCPChecker (dial an address). Both satisfy the same Checker
interface:

	Checker interface {
		Check(ctx) Result
		Type() CheckType
	}

pkg/nodesvc uses an HTTPChecker against a newly registered node's agent
endpoint as a best-effort reachability probe; pkg/portalloc uses a
TCPChecker the same way against a freshly allocated public port. Neither
caller treats an unhealthy Result as fatal — in both cases the checked
party (a CGNAT'd node, a port behind an unknown firewall) is expected to
sometimes be unreachable from the control plane's vantage point, and the
caller logs a warning rather than failing the operation that triggered the
probe.
*/
package health
