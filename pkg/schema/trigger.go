package schema

// TriggerKind enumerates how a trigger initiates runs.
type TriggerKind string

const (
	TriggerCron       TriggerKind = "cron"
	TriggerEvent      TriggerKind = "event"
	TriggerWebhook    TriggerKind = "webhook"
	TriggerDependency TriggerKind = "dependency"
)

// QueuePolicy decides what happens when a trigger fires at its concurrency limit.
type QueuePolicy string

const (
	QueueDefer   QueuePolicy = "queue"
	QueueSkip    QueuePolicy = "skip"
	QueueReplace QueuePolicy = "replace"
)

// DependencyCondition decides when upstream run outcomes fire a dependency trigger.
type DependencyCondition string

const (
	DependencyAllSuccess  DependencyCondition = "all_success"
	DependencyAnySuccess  DependencyCondition = "any_success"
	DependencyAnyComplete DependencyCondition = "any_complete"
)

// DependencySpec configures a dependency trigger.
type DependencySpec struct {
	Workflows []string            `json:"workflows" validate:"required,min=1,dive,required"`
	Condition DependencyCondition `json:"condition" validate:"omitempty,oneof=all_success any_success any_complete"`
}
