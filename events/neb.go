package events

// Actions carried by severity and tag events.
const (
	ActionAdd    int32 = 1
	ActionModify int32 = 2
	ActionDelete int32 = 3
)

// Check types reported by pollers.
const (
	CheckActive  int32 = 0
	CheckPassive int32 = 1
)

// Acknowledgement state types.
const (
	AckNone   int32 = 0
	AckNormal int32 = 1
	AckSticky int32 = 2
)

// Instance describes a poller process. Sent once at poller startup and
// shutdown.
type Instance struct {
	Header

	InstanceID uint32 `pb:"1"`
	Name       string `pb:"2"`
	Running    bool   `pb:"3"`
	StartTime  int64  `pb:"4"`
	EndTime    int64  `pb:"5"`
	Pid        int32  `pb:"6"`
	Version    string `pb:"7"`
	Engine     string `pb:"8"`
}

// InstanceStatus carries the periodic liveness report of a poller.
type InstanceStatus struct {
	Header

	InstanceID                uint32 `pb:"1"`
	LastAlive                 int64  `pb:"2"`
	LastCommandCheck          int64  `pb:"3"`
	ActiveHostChecks          bool   `pb:"4"`
	ActiveServiceChecks       bool   `pb:"5"`
	PassiveHostChecks         bool   `pb:"6"`
	PassiveServiceChecks      bool   `pb:"7"`
	EventHandlers             bool   `pb:"8"`
	FlapDetection             bool   `pb:"9"`
	Notifications             bool   `pb:"10"`
	ObsessOverHosts           bool   `pb:"11"`
	ObsessOverServices        bool   `pb:"12"`
	CheckHostsFreshness       bool   `pb:"13"`
	CheckServicesFreshness    bool   `pb:"14"`
	GlobalHostEventHandler    string `pb:"15"`
	GlobalServiceEventHandler string `pb:"16"`
}

// Host is the full definition of a monitored host.
type Host struct {
	Header

	HostID                 uint64   `pb:"1"`
	InstanceID             uint32   `pb:"2"`
	Name                   string   `pb:"3"`
	Alias                  string   `pb:"4"`
	Address                string   `pb:"5"`
	Enabled                bool     `pb:"6"`
	CheckCommand           string   `pb:"7"`
	CheckInterval          float64  `pb:"8"`
	CheckPeriod            string   `pb:"9"`
	CheckType              int32    `pb:"10"`
	CurrentCheckAttempt    int32    `pb:"11"`
	MaxCheckAttempts       int32    `pb:"12"`
	State                  int32    `pb:"13"`
	StateType              int32    `pb:"14"`
	LastCheck              int64    `pb:"15"`
	NextCheck              int64    `pb:"16"`
	LastStateChange        int64    `pb:"17"`
	LastHardState          int32    `pb:"18"`
	LastHardStateChange    int64    `pb:"19"`
	LastTimeUp             int64    `pb:"20"`
	LastTimeDown           int64    `pb:"21"`
	LastTimeUnreachable    int64    `pb:"22"`
	Output                 string   `pb:"23"`
	Perfdata               string   `pb:"24"`
	Flapping               bool     `pb:"25"`
	PercentStateChange     float64  `pb:"26"`
	Latency                float64  `pb:"27"`
	ExecutionTime          float64  `pb:"28"`
	ActiveChecksEnabled    bool     `pb:"29"`
	PassiveChecksEnabled   bool     `pb:"30"`
	NotificationsEnabled   bool     `pb:"31"`
	NotificationInterval   float64  `pb:"32"`
	NotificationPeriod     string   `pb:"33"`
	NotificationNumber     int32    `pb:"34"`
	LastNotification       int64    `pb:"35"`
	NoMoreNotifications    bool     `pb:"36"`
	AcknowledgementType    int32    `pb:"37"`
	ScheduledDowntimeDepth int32    `pb:"38"`
	EventHandler           string   `pb:"39"`
	EventHandlerEnabled    bool     `pb:"40"`
	FlapDetectionEnabled   bool     `pb:"41"`
	LowFlapThreshold       float64  `pb:"42"`
	HighFlapThreshold      float64  `pb:"43"`
	FreshnessChecked       bool     `pb:"44"`
	FreshnessThreshold     float64  `pb:"45"`
	ObsessOver             bool     `pb:"46"`
	ShouldBeScheduled      bool     `pb:"47"`
	RetryInterval          float64  `pb:"48"`
	DisplayName            string   `pb:"49"`
	IconImage              string   `pb:"50"`
	Notes                  string   `pb:"51"`
	NotesURL               string   `pb:"52"`
	ActionURL              string   `pb:"53"`
	Timezone               string   `pb:"54"`
	SeverityID             uint64   `pb:"55"`
	IconID                 uint64   `pb:"56"`
	Checked                bool     `pb:"57"`
	TagIDs                 []uint64 `pb:"58"`
	TagTypes               []uint64 `pb:"59"`
}

// HostCheck updates the command line last run for a host.
type HostCheck struct {
	Header

	HostID              uint64 `pb:"1"`
	CommandLine         string `pb:"2"`
	CheckType           int32  `pb:"3"`
	ActiveChecksEnabled bool   `pb:"4"`
	NextCheck           int64  `pb:"5"`
}

// HostStatus carries the volatile state of a host after a check.
type HostStatus struct {
	Header

	HostID                 uint64  `pb:"1"`
	CheckType              int32   `pb:"2"`
	Checked                bool    `pb:"3"`
	State                  int32   `pb:"4"`
	StateType              int32   `pb:"5"`
	LastCheck              int64   `pb:"6"`
	NextCheck              int64   `pb:"7"`
	LastStateChange        int64   `pb:"8"`
	LastHardState          int32   `pb:"9"`
	LastHardStateChange    int64   `pb:"10"`
	LastTimeUp             int64   `pb:"11"`
	LastTimeDown           int64   `pb:"12"`
	LastTimeUnreachable    int64   `pb:"13"`
	Output                 string  `pb:"14"`
	LongOutput             string  `pb:"15"`
	Perfdata               string  `pb:"16"`
	Flapping               bool    `pb:"17"`
	PercentStateChange     float64 `pb:"18"`
	Latency                float64 `pb:"19"`
	ExecutionTime          float64 `pb:"20"`
	ActiveChecksEnabled    bool    `pb:"21"`
	CurrentCheckAttempt    int32   `pb:"22"`
	NotificationNumber     int32   `pb:"23"`
	NoMoreNotifications    bool    `pb:"24"`
	LastNotification       int64   `pb:"25"`
	NextNotification       int64   `pb:"26"`
	AcknowledgementType    int32   `pb:"27"`
	ScheduledDowntimeDepth int32   `pb:"28"`
	ShouldBeScheduled      bool    `pb:"29"`
	CheckInterval          float64 `pb:"30"`
}

// AdaptiveHost is a partial host update: only fields whose Has flag is set
// are applied.
type AdaptiveHost struct {
	Header

	HostID uint64 `pb:"1"`

	HasNotify bool `pb:"2"`
	Notify    bool `pb:"3"`

	HasActiveChecks bool `pb:"4"`
	ActiveChecks    bool `pb:"5"`

	HasShouldBeScheduled bool `pb:"6"`
	ShouldBeScheduled    bool `pb:"7"`

	HasPassiveChecks bool `pb:"8"`
	PassiveChecks    bool `pb:"9"`

	HasEventHandlerEnabled bool `pb:"10"`
	EventHandlerEnabled    bool `pb:"11"`

	HasFlapDetection bool `pb:"12"`
	FlapDetection    bool `pb:"13"`

	HasObsessOver bool `pb:"14"`
	ObsessOver    bool `pb:"15"`

	HasCheckFreshness bool `pb:"16"`
	CheckFreshness    bool `pb:"17"`

	HasCheckInterval bool    `pb:"18"`
	CheckInterval    float64 `pb:"19"`

	HasRetryInterval bool    `pb:"20"`
	RetryInterval    float64 `pb:"21"`

	HasMaxCheckAttempts bool  `pb:"22"`
	MaxCheckAttempts    int32 `pb:"23"`

	HasCheckPeriod bool   `pb:"24"`
	CheckPeriod    string `pb:"25"`

	HasNotificationPeriod bool   `pb:"26"`
	NotificationPeriod    string `pb:"27"`

	HasEventHandler bool   `pb:"28"`
	EventHandler    string `pb:"29"`

	HasCheckCommand bool   `pb:"30"`
	CheckCommand    string `pb:"31"`

	HasNotificationInterval bool    `pb:"32"`
	NotificationInterval    float64 `pb:"33"`
}

// HostParent declares a parenting relation between two hosts.
type HostParent struct {
	Header

	ChildID  uint64 `pb:"1"`
	ParentID uint64 `pb:"2"`
	Enabled  bool   `pb:"3"`
}

// HostDependency declares an execution/notification dependency between hosts.
type HostDependency struct {
	Header

	HostID                     uint64 `pb:"1"`
	DependentHostID            uint64 `pb:"2"`
	Enabled                    bool   `pb:"3"`
	DependencyPeriod           string `pb:"4"`
	ExecutionFailureOptions    string `pb:"5"`
	NotificationFailureOptions string `pb:"6"`
	InheritsParent             bool   `pb:"7"`
}

// HostGroup declares a host group on a poller.
type HostGroup struct {
	Header

	HostgroupID uint64 `pb:"1"`
	Name        string `pb:"2"`
	Enabled     bool   `pb:"3"`
	InstanceID  uint32 `pb:"4"`
}

// HostGroupMember links a host to a host group.
type HostGroupMember struct {
	Header

	HostgroupID uint64 `pb:"1"`
	HostID      uint64 `pb:"2"`
	GroupName   string `pb:"3"`
	Enabled     bool   `pb:"4"`
	InstanceID  uint32 `pb:"5"`
}

// Service is the full definition of a monitored service.
type Service struct {
	Header

	HostID                 uint64   `pb:"1"`
	ServiceID              uint64   `pb:"2"`
	Description            string   `pb:"3"`
	Enabled                bool     `pb:"4"`
	CheckCommand           string   `pb:"5"`
	CheckInterval          float64  `pb:"6"`
	CheckPeriod            string   `pb:"7"`
	CheckType              int32    `pb:"8"`
	CurrentCheckAttempt    int32    `pb:"9"`
	MaxCheckAttempts       int32    `pb:"10"`
	State                  int32    `pb:"11"`
	StateType              int32    `pb:"12"`
	LastCheck              int64    `pb:"13"`
	NextCheck              int64    `pb:"14"`
	LastStateChange        int64    `pb:"15"`
	LastHardState          int32    `pb:"16"`
	LastHardStateChange    int64    `pb:"17"`
	LastTimeOK             int64    `pb:"18"`
	LastTimeWarning        int64    `pb:"19"`
	LastTimeCritical       int64    `pb:"20"`
	LastTimeUnknown        int64    `pb:"21"`
	Output                 string   `pb:"22"`
	Perfdata               string   `pb:"23"`
	Flapping               bool     `pb:"24"`
	PercentStateChange     float64  `pb:"25"`
	Latency                float64  `pb:"26"`
	ExecutionTime          float64  `pb:"27"`
	ActiveChecksEnabled    bool     `pb:"28"`
	PassiveChecksEnabled   bool     `pb:"29"`
	NotificationsEnabled   bool     `pb:"30"`
	NotificationInterval   float64  `pb:"31"`
	NotificationPeriod     string   `pb:"32"`
	NotificationNumber     int32    `pb:"33"`
	LastNotification       int64    `pb:"34"`
	NoMoreNotifications    bool     `pb:"35"`
	AcknowledgementType    int32    `pb:"36"`
	ScheduledDowntimeDepth int32    `pb:"37"`
	EventHandler           string   `pb:"38"`
	EventHandlerEnabled    bool     `pb:"39"`
	FlapDetectionEnabled   bool     `pb:"40"`
	LowFlapThreshold       float64  `pb:"41"`
	HighFlapThreshold      float64  `pb:"42"`
	FreshnessChecked       bool     `pb:"43"`
	FreshnessThreshold     float64  `pb:"44"`
	ObsessOver             bool     `pb:"45"`
	ShouldBeScheduled      bool     `pb:"46"`
	RetryInterval          float64  `pb:"47"`
	DisplayName            string   `pb:"48"`
	IconImage              string   `pb:"49"`
	Notes                  string   `pb:"50"`
	NotesURL               string   `pb:"51"`
	ActionURL              string   `pb:"52"`
	Volatile               bool     `pb:"53"`
	SeverityID             uint64   `pb:"54"`
	IconID                 uint64   `pb:"55"`
	Checked                bool     `pb:"56"`
	HostName               string   `pb:"57"`
	TagIDs                 []uint64 `pb:"58"`
	TagTypes               []uint64 `pb:"59"`
}

// ServiceCheck updates the command line last run for a service.
type ServiceCheck struct {
	Header

	HostID              uint64 `pb:"1"`
	ServiceID           uint64 `pb:"2"`
	CommandLine         string `pb:"3"`
	CheckType           int32  `pb:"4"`
	ActiveChecksEnabled bool   `pb:"5"`
	NextCheck           int64  `pb:"6"`
}

// ServiceStatus carries the volatile state of a service after a check,
// including the raw perfdata string the persister derives metrics from.
type ServiceStatus struct {
	Header

	HostID                 uint64  `pb:"1"`
	ServiceID              uint64  `pb:"2"`
	HostName               string  `pb:"3"`
	ServiceDescription     string  `pb:"4"`
	CheckType              int32   `pb:"5"`
	Checked                bool    `pb:"6"`
	State                  int32   `pb:"7"`
	StateType              int32   `pb:"8"`
	LastCheck              int64   `pb:"9"`
	NextCheck              int64   `pb:"10"`
	LastStateChange        int64   `pb:"11"`
	LastHardState          int32   `pb:"12"`
	LastHardStateChange    int64   `pb:"13"`
	LastTimeOK             int64   `pb:"14"`
	LastTimeWarning        int64   `pb:"15"`
	LastTimeCritical       int64   `pb:"16"`
	LastTimeUnknown        int64   `pb:"17"`
	Output                 string  `pb:"18"`
	LongOutput             string  `pb:"19"`
	Perfdata               string  `pb:"20"`
	Flapping               bool    `pb:"21"`
	PercentStateChange     float64 `pb:"22"`
	Latency                float64 `pb:"23"`
	ExecutionTime          float64 `pb:"24"`
	ActiveChecksEnabled    bool    `pb:"25"`
	CurrentCheckAttempt    int32   `pb:"26"`
	NotificationNumber     int32   `pb:"27"`
	NoMoreNotifications    bool    `pb:"28"`
	LastNotification       int64   `pb:"29"`
	NextNotification       int64   `pb:"30"`
	AcknowledgementType    int32   `pb:"31"`
	ScheduledDowntimeDepth int32   `pb:"32"`
	ShouldBeScheduled      bool    `pb:"33"`
	CheckInterval          float64 `pb:"34"`
	RetryInterval          float64 `pb:"35"`
}

// AdaptiveService is a partial service update: only fields whose Has flag is
// set are applied.
type AdaptiveService struct {
	Header

	HostID    uint64 `pb:"1"`
	ServiceID uint64 `pb:"2"`

	HasNotify bool `pb:"3"`
	Notify    bool `pb:"4"`

	HasActiveChecks bool `pb:"5"`
	ActiveChecks    bool `pb:"6"`

	HasShouldBeScheduled bool `pb:"7"`
	ShouldBeScheduled    bool `pb:"8"`

	HasPassiveChecks bool `pb:"9"`
	PassiveChecks    bool `pb:"10"`

	HasEventHandlerEnabled bool `pb:"11"`
	EventHandlerEnabled    bool `pb:"12"`

	HasFlapDetection bool `pb:"13"`
	FlapDetection    bool `pb:"14"`

	HasObsessOver bool `pb:"15"`
	ObsessOver    bool `pb:"16"`

	HasCheckFreshness bool `pb:"17"`
	CheckFreshness    bool `pb:"18"`

	HasCheckInterval bool    `pb:"19"`
	CheckInterval    float64 `pb:"20"`

	HasRetryInterval bool    `pb:"21"`
	RetryInterval    float64 `pb:"22"`

	HasMaxCheckAttempts bool  `pb:"23"`
	MaxCheckAttempts    int32 `pb:"24"`

	HasCheckPeriod bool   `pb:"25"`
	CheckPeriod    string `pb:"26"`

	HasNotificationPeriod bool   `pb:"27"`
	NotificationPeriod    string `pb:"28"`

	HasEventHandler bool   `pb:"29"`
	EventHandler    string `pb:"30"`

	HasCheckCommand bool   `pb:"31"`
	CheckCommand    string `pb:"32"`

	HasNotificationInterval bool    `pb:"33"`
	NotificationInterval    float64 `pb:"34"`
}

// ServiceDependency declares a dependency between two services.
type ServiceDependency struct {
	Header

	HostID                     uint64 `pb:"1"`
	ServiceID                  uint64 `pb:"2"`
	DependentHostID            uint64 `pb:"3"`
	DependentServiceID         uint64 `pb:"4"`
	Enabled                    bool   `pb:"5"`
	DependencyPeriod           string `pb:"6"`
	ExecutionFailureOptions    string `pb:"7"`
	NotificationFailureOptions string `pb:"8"`
	InheritsParent             bool   `pb:"9"`
}

// ServiceGroup declares a service group on a poller.
type ServiceGroup struct {
	Header

	ServicegroupID uint64 `pb:"1"`
	Name           string `pb:"2"`
	Enabled        bool   `pb:"3"`
	InstanceID     uint32 `pb:"4"`
}

// ServiceGroupMember links a service to a service group.
type ServiceGroupMember struct {
	Header

	ServicegroupID uint64 `pb:"1"`
	HostID         uint64 `pb:"2"`
	ServiceID      uint64 `pb:"3"`
	GroupName      string `pb:"4"`
	Enabled        bool   `pb:"5"`
	InstanceID     uint32 `pb:"6"`
}

// Comment is a host or service comment.
type Comment struct {
	Header

	Author       string `pb:"1"`
	CommentType  int32  `pb:"2"`
	Data         string `pb:"3"`
	DeletionTime int64  `pb:"4"`
	EntryTime    int64  `pb:"5"`
	EntryType    int32  `pb:"6"`
	ExpireTime   int64  `pb:"7"`
	Expires      bool   `pb:"8"`
	HostID       uint64 `pb:"9"`
	InternalID   uint64 `pb:"10"`
	Persistent   bool   `pb:"11"`
	InstanceID   uint32 `pb:"12"`
	ServiceID    uint64 `pb:"13"`
	Source       int32  `pb:"14"`
}

// Downtime is a scheduled downtime on a host or service.
type Downtime struct {
	Header

	ActualEndTime   int64  `pb:"1"`
	ActualStartTime int64  `pb:"2"`
	Author          string `pb:"3"`
	DowntimeType    int32  `pb:"4"`
	DeletionTime    int64  `pb:"5"`
	Duration        int64  `pb:"6"`
	EndTime         int64  `pb:"7"`
	EntryTime       int64  `pb:"8"`
	Fixed           bool   `pb:"9"`
	HostID          uint64 `pb:"10"`
	InstanceID      uint32 `pb:"11"`
	InternalID      uint64 `pb:"12"`
	ServiceID       uint64 `pb:"13"`
	StartTime       int64  `pb:"14"`
	TriggeredBy     uint64 `pb:"15"`
	Cancelled       bool   `pb:"16"`
	Started         bool   `pb:"17"`
	Comment         string `pb:"18"`
}

// Acknowledgement records the acknowledgement of a problem.
type Acknowledgement struct {
	Header

	HostID            uint64 `pb:"1"`
	ServiceID         uint64 `pb:"2"`
	InstanceID        uint32 `pb:"3"`
	AckType           int32  `pb:"4"`
	Author            string `pb:"5"`
	Comment           string `pb:"6"`
	Sticky            bool   `pb:"7"`
	NotifyContacts    bool   `pb:"8"`
	EntryTime         int64  `pb:"9"`
	DeletionTime      int64  `pb:"10"`
	PersistentComment bool   `pb:"11"`
	State             int32  `pb:"12"`
}

// CustomVariable is a custom variable definition on a host or service.
type CustomVariable struct {
	Header

	HostID       uint64 `pb:"1"`
	ServiceID    uint64 `pb:"2"`
	Name         string `pb:"3"`
	Value        string `pb:"4"`
	DefaultValue string `pb:"5"`
	Modified     bool   `pb:"6"`
	VarType      int32  `pb:"7"`
	UpdateTime   int64  `pb:"8"`
	Enabled      bool   `pb:"9"`
}

// CustomVariableStatus updates the value of an existing custom variable.
type CustomVariableStatus struct {
	Header

	HostID     uint64 `pb:"1"`
	ServiceID  uint64 `pb:"2"`
	Name       string `pb:"3"`
	Value      string `pb:"4"`
	Modified   bool   `pb:"5"`
	UpdateTime int64  `pb:"6"`
}

// LogEntry is a monitoring engine log line.
type LogEntry struct {
	Header

	CTime               int64  `pb:"1"`
	HostID              uint64 `pb:"2"`
	ServiceID           uint64 `pb:"3"`
	HostName            string `pb:"4"`
	InstanceName        string `pb:"5"`
	LogType             int32  `pb:"6"`
	MsgType             int32  `pb:"7"`
	NotificationCmd     string `pb:"8"`
	NotificationContact string `pb:"9"`
	Retry               int32  `pb:"10"`
	ServiceDescription  string `pb:"11"`
	Status              int32  `pb:"12"`
	Output              string `pb:"13"`
}

// Module describes a module loaded by a poller.
type Module struct {
	Header

	InstanceID     uint32 `pb:"1"`
	Filename       string `pb:"2"`
	Args           string `pb:"3"`
	Loaded         bool   `pb:"4"`
	ShouldBeLoaded bool   `pb:"5"`
}

// ResponsiveInstance is emitted by the persister when a poller flips between
// responsive and unresponsive.
type ResponsiveInstance struct {
	Header

	InstanceID uint32 `pb:"1"`
	Responsive bool   `pb:"2"`
}

// Severity declares or updates a severity level addressable by (id, type).
type Severity struct {
	Header

	ID      uint64 `pb:"1"`
	SevType uint32 `pb:"2"`
	Name    string `pb:"3"`
	Level   uint32 `pb:"4"`
	IconID  uint64 `pb:"5"`
	Action  int32  `pb:"6"`
}

// Tag declares or updates a tag addressable by (id, type).
type Tag struct {
	Header

	ID         uint64 `pb:"1"`
	TagType    uint32 `pb:"2"`
	Name       string `pb:"3"`
	Action     int32  `pb:"4"`
	InstanceID uint32 `pb:"5"`
}
