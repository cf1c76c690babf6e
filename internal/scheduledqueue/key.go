package scheduledqueue

import "strings"

// Key is a ScheduledQueueKey: (campaign?, tenant?,
// routing_domain?, domain). Any unset component is elided when building
// the string form, so two messages differing only in an absent optional
// component never collide with one that has it set to "".
type Key struct {
	Campaign string
	Tenant string
	RoutingDomain string
	Domain string
}

// String builds the canonical string form used to bucket messages into
// per-key queues, eliding any unset (empty) component.
func (k Key) String() string {
	parts := make([]string, 0, 4)
	if k.Campaign != "" {
		parts = append(parts, "campaign="+k.Campaign)
	}
	if k.Tenant != "" {
		parts = append(parts, "tenant="+k.Tenant)
	}
	if k.RoutingDomain != "" {
		parts = append(parts, "routing_domain="+k.RoutingDomain)
	}
	parts = append(parts, "domain="+k.Domain)
	return strings.Join(parts, ",")
}
