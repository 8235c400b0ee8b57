/*
Package ingress is the narrow hook interface the VM lifecycle manager and
the node service's orphan-recovery path call into when a VM starts exposing
a direct-access service or stops existing (spec.md §1 lists the real
reverse-proxy/DNS-publishing layer as an out-of-scope external collaborator
— only its interface is specified here).

A Registrar gets two calls:

  - OnVmStarted, once a VM reaches Running with a private ip assigned, for
    every service in its VmType template that should be publicly routable.
  - OnVmDeleted, from the lifecycle manager's Deleted-transition side
    effects, to unregister whatever OnVmStarted published.

LogRegistrar is the default implementation: it logs the registration intent
and returns success, the same log-only degrade-gracefully posture spec.md
§7 specifies for external collaborators ("External errors during side
operations... degrade the specific feature but do not block the primary
operation"). A deployment that wants VMs to actually become reachable
supplies its own Registrar wired to real DNS/reverse-proxy infrastructure;
nothing in pkg/vmsvc or pkg/nodesvc needs to change to accept one.
*/
package ingress
