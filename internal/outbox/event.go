package outbox

// Event is the domain event envelope written to the outbox table.
// The Kafka topic name equals EventType (event per topic).
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// Scheduling event types. Consumers subscribe per topic.
const (
	EventAppointmentBooked     = "scheduling.appointment.booked.v1"
	EventAppointmentOverbooked = "scheduling.appointment.overbooked.v1"
	EventAppointmentCancelled  = "scheduling.appointment.cancelled.v1"
	EventWaitlistAdded         = "scheduling.waitlist.added.v1"
	EventPackageConsumed       = "scheduling.package.consumed.v1"
	EventCapacityRulesChanged  = "scheduling.capacity.rules_changed.v1"
)
