package events

import (
	"fmt"
	"reflect"

	"github.com/c360/eventbroker/errors"
)

// Entry binds one wire type id to its payload struct and codec.
type Entry struct {
	Type     Type
	Name     string
	Table    string // hint naming the principal DB table, empty if none
	Encoding Encoding

	spec  *structSpec
	newFn func() Event
}

// New allocates a fresh zero payload with the header type set.
func (e *Entry) New() Event {
	ev := e.newFn()
	ev.Hdr().EventType = e.Type
	return ev
}

// Marshal serializes the payload of ev according to the entry's encoding.
func (e *Entry) Marshal(ev Event) ([]byte, error) {
	if reflect.TypeOf(ev).Elem() != e.spec.goType {
		return nil, errors.WrapInvalid(
			fmt.Errorf("payload %T does not match registry entry %s", ev, e.Name),
			"events", "Marshal", "payload type check")
	}
	if e.Encoding == EncodingProto {
		return e.spec.marshalProto(ev)
	}
	return e.spec.marshalLegacy(ev)
}

// Unmarshal decodes a payload buffer into a fresh event.
func (e *Entry) Unmarshal(data []byte) (Event, error) {
	ev := e.New()
	var err error
	if e.Encoding == EncodingProto {
		err = e.spec.unmarshalProto(data, ev)
	} else {
		err = e.spec.unmarshalLegacy(data, ev)
	}
	if err != nil {
		return nil, errors.WrapInvalid(err, "events", "Unmarshal", e.Name)
	}
	return ev, nil
}

// Registry is the process-wide table mapping type ids to codec entries.
// Registration happens once at startup; after Seal the table is read-only and
// lookups are lock-free.
type Registry struct {
	byType map[Type]*Entry
	specs  map[reflect.Type]*structSpec
	sealed bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byType: make(map[Type]*Entry),
		specs:  make(map[reflect.Type]*structSpec),
	}
}

// Register binds a type id to a payload constructor. The codec table of the
// payload struct is built on first registration and shared between the legacy
// and protobuf entries of the same struct.
func (r *Registry) Register(t Type, name, table string, enc Encoding, newFn func() Event) error {
	if r.sealed {
		return errors.WrapInvalid(fmt.Errorf("registry is sealed"), "events", "Register", name)
	}
	if _, dup := r.byType[t]; dup {
		return errors.WrapInvalid(fmt.Errorf("type %s already registered", t), "events", "Register", name)
	}
	goType := reflect.TypeOf(newFn()).Elem()
	spec, ok := r.specs[goType]
	if !ok {
		var err error
		spec, err = buildSpec(goType)
		if err != nil {
			return errors.WrapFatal(err, "events", "Register", name)
		}
		r.specs[goType] = spec
	}
	r.byType[t] = &Entry{
		Type:     t,
		Name:     name,
		Table:    table,
		Encoding: enc,
		spec:     spec,
		newFn:    newFn,
	}
	return nil
}

// Seal freezes the registry. Further Register calls fail.
func (r *Registry) Seal() {
	r.sealed = true
}

// Lookup returns the entry for a type id.
func (r *Registry) Lookup(t Type) (*Entry, bool) {
	e, ok := r.byType[t]
	return e, ok
}

// Types returns all registered type ids.
func (r *Registry) Types() []Type {
	out := make([]Type, 0, len(r.byType))
	for t := range r.byType {
		out = append(out, t)
	}
	return out
}

// RegisterAll registers every event kind known to the broker and seals the
// registry.
func RegisterAll(r *Registry) error {
	type reg struct {
		t     Type
		name  string
		table string
		enc   Encoding
		newFn func() Event
	}
	regs := []reg{
		// NEB, legacy form.
		{TypeAcknowledgement, "acknowledgement", "acknowledgements", EncodingLegacy, func() Event { return new(Acknowledgement) }},
		{TypeComment, "comment", "comments", EncodingLegacy, func() Event { return new(Comment) }},
		{TypeCustomVariable, "custom_variable", "customvariables", EncodingLegacy, func() Event { return new(CustomVariable) }},
		{TypeCustomVariableStatus, "custom_variable_status", "customvariables", EncodingLegacy, func() Event { return new(CustomVariableStatus) }},
		{TypeDowntime, "downtime", "downtimes", EncodingLegacy, func() Event { return new(Downtime) }},
		{TypeHost, "host", "hosts", EncodingLegacy, func() Event { return new(Host) }},
		{TypeHostCheck, "host_check", "hosts", EncodingLegacy, func() Event { return new(HostCheck) }},
		{TypeHostDependency, "host_dependency", "hosts_hosts_dependencies", EncodingLegacy, func() Event { return new(HostDependency) }},
		{TypeHostGroup, "host_group", "hostgroups", EncodingLegacy, func() Event { return new(HostGroup) }},
		{TypeHostGroupMember, "host_group_member", "hosts_hostgroups", EncodingLegacy, func() Event { return new(HostGroupMember) }},
		{TypeHostParent, "host_parent", "hosts_hosts_parents", EncodingLegacy, func() Event { return new(HostParent) }},
		{TypeHostStatus, "host_status", "hosts", EncodingLegacy, func() Event { return new(HostStatus) }},
		{TypeInstance, "instance", "instances", EncodingLegacy, func() Event { return new(Instance) }},
		{TypeInstanceStatus, "instance_status", "instances", EncodingLegacy, func() Event { return new(InstanceStatus) }},
		{TypeLogEntry, "log_entry", "logs", EncodingLegacy, func() Event { return new(LogEntry) }},
		{TypeModule, "module", "modules", EncodingLegacy, func() Event { return new(Module) }},
		{TypeService, "service", "services", EncodingLegacy, func() Event { return new(Service) }},
		{TypeServiceCheck, "service_check", "services", EncodingLegacy, func() Event { return new(ServiceCheck) }},
		{TypeServiceDependency, "service_dependency", "services_services_dependencies", EncodingLegacy, func() Event { return new(ServiceDependency) }},
		{TypeServiceGroup, "service_group", "servicegroups", EncodingLegacy, func() Event { return new(ServiceGroup) }},
		{TypeServiceGroupMember, "service_group_member", "services_servicegroups", EncodingLegacy, func() Event { return new(ServiceGroupMember) }},
		{TypeServiceStatus, "service_status", "services", EncodingLegacy, func() Event { return new(ServiceStatus) }},
		{TypeResponsiveInstance, "responsive_instance", "", EncodingLegacy, func() Event { return new(ResponsiveInstance) }},

		// NEB, protobuf form. Same structs, protowire codec.
		{TypePbAcknowledgement, "pb_acknowledgement", "acknowledgements", EncodingProto, func() Event { return new(Acknowledgement) }},
		{TypePbComment, "pb_comment", "comments", EncodingProto, func() Event { return new(Comment) }},
		{TypePbCustomVariable, "pb_custom_variable", "customvariables", EncodingProto, func() Event { return new(CustomVariable) }},
		{TypePbCustomVariableStatus, "pb_custom_variable_status", "customvariables", EncodingProto, func() Event { return new(CustomVariableStatus) }},
		{TypePbDowntime, "pb_downtime", "downtimes", EncodingProto, func() Event { return new(Downtime) }},
		{TypePbHost, "pb_host", "hosts", EncodingProto, func() Event { return new(Host) }},
		{TypePbAdaptiveHost, "pb_adaptive_host", "hosts", EncodingProto, func() Event { return new(AdaptiveHost) }},
		{TypePbHostCheck, "pb_host_check", "hosts", EncodingProto, func() Event { return new(HostCheck) }},
		{TypePbHostDependency, "pb_host_dependency", "hosts_hosts_dependencies", EncodingProto, func() Event { return new(HostDependency) }},
		{TypePbHostGroup, "pb_host_group", "hostgroups", EncodingProto, func() Event { return new(HostGroup) }},
		{TypePbHostGroupMember, "pb_host_group_member", "hosts_hostgroups", EncodingProto, func() Event { return new(HostGroupMember) }},
		{TypePbHostParent, "pb_host_parent", "hosts_hosts_parents", EncodingProto, func() Event { return new(HostParent) }},
		{TypePbHostStatus, "pb_host_status", "hosts", EncodingProto, func() Event { return new(HostStatus) }},
		{TypePbInstance, "pb_instance", "instances", EncodingProto, func() Event { return new(Instance) }},
		{TypePbInstanceStatus, "pb_instance_status", "instances", EncodingProto, func() Event { return new(InstanceStatus) }},
		{TypePbLogEntry, "pb_log_entry", "logs", EncodingProto, func() Event { return new(LogEntry) }},
		{TypePbModule, "pb_module", "modules", EncodingProto, func() Event { return new(Module) }},
		{TypePbService, "pb_service", "services", EncodingProto, func() Event { return new(Service) }},
		{TypePbAdaptiveService, "pb_adaptive_service", "services", EncodingProto, func() Event { return new(AdaptiveService) }},
		{TypePbServiceCheck, "pb_service_check", "services", EncodingProto, func() Event { return new(ServiceCheck) }},
		{TypePbServiceDependency, "pb_service_dependency", "services_services_dependencies", EncodingProto, func() Event { return new(ServiceDependency) }},
		{TypePbServiceGroup, "pb_service_group", "servicegroups", EncodingProto, func() Event { return new(ServiceGroup) }},
		{TypePbServiceGroupMember, "pb_service_group_member", "services_servicegroups", EncodingProto, func() Event { return new(ServiceGroupMember) }},
		{TypePbServiceStatus, "pb_service_status", "services", EncodingProto, func() Event { return new(ServiceStatus) }},
		{TypePbResponsiveInstance, "pb_responsive_instance", "", EncodingProto, func() Event { return new(ResponsiveInstance) }},
		{TypePbSeverity, "pb_severity", "severities", EncodingProto, func() Event { return new(Severity) }},
		{TypePbTag, "pb_tag", "tags", EncodingProto, func() Event { return new(Tag) }},

		// BBDO control frames.
		{TypeVersionResponse, "version_response", "", EncodingLegacy, func() Event { return new(VersionResponse) }},
		{TypeAck, "ack", "", EncodingLegacy, func() Event { return new(Ack) }},
		{TypeStop, "stop", "", EncodingLegacy, func() Event { return new(Stop) }},

		// Storage events.
		{TypeMetric, "metric", "data_bin", EncodingLegacy, func() Event { return new(Metric) }},
		{TypeRebuild, "rebuild", "", EncodingLegacy, func() Event { return new(Rebuild) }},
		{TypeRemoveGraph, "remove_graph", "", EncodingLegacy, func() Event { return new(RemoveGraph) }},
		{TypeStatus, "status", "", EncodingLegacy, func() Event { return new(Status) }},
		{TypeIndexMapping, "index_mapping", "index_data", EncodingLegacy, func() Event { return new(IndexMapping) }},
		{TypeMetricMapping, "metric_mapping", "metrics", EncodingLegacy, func() Event { return new(MetricMapping) }},
		{TypePbMetric, "pb_metric", "data_bin", EncodingProto, func() Event { return new(Metric) }},
		{TypePbStatus, "pb_status", "", EncodingProto, func() Event { return new(Status) }},
		{TypePbIndexMapping, "pb_index_mapping", "index_data", EncodingProto, func() Event { return new(IndexMapping) }},
		{TypePbMetricMapping, "pb_metric_mapping", "metrics", EncodingProto, func() Event { return new(MetricMapping) }},
		{TypePbRebuild, "pb_rebuild", "", EncodingProto, func() Event { return new(Rebuild) }},
		{TypePbRemoveGraph, "pb_remove_graph", "", EncodingProto, func() Event { return new(RemoveGraph) }},
	}
	for _, rg := range regs {
		if err := r.Register(rg.t, rg.name, rg.table, rg.enc, rg.newFn); err != nil {
			return err
		}
	}
	r.Seal()
	return nil
}
