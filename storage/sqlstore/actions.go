package sqlstore

// Action masks tag in-flight statements with the logical object families
// they touch, so dependent writes can wait for them (pool.finish) without
// serializing unrelated work.
type action uint32

const (
	actionInstances action = 1 << iota
	actionHosts
	actionServices
	actionHostgroups
	actionServicegroups
	actionDowntimes
	actionComments
	actionCustomVariables
	actionHostParents
	actionHostDependencies
	actionServiceDependencies
	actionModules
	actionAcknowledgements
	actionResources
	actionResourcesTags
	actionSeverities
	actionTags

	actionAll action = 1<<iota - 1
)

// Special connections serialize cross-instance access to shared tables: all
// writes of a family below always land on the same connection.
type specialConn int

const (
	specialCustomVariable specialConn = iota
	specialDowntime
	specialLog
	specialHostGroup
	specialServiceGroup
	specialHostParent
	specialHostDependency
	specialServiceDependency
	specialSeverity
	specialTag
)
