// Package retention decides how long audit events live and enforces it.
//
// Policy maps every audit category to a period and a sweep action:
//
//	Category                            Period       Action
//	AUTHENTICATION, AUTHORIZATION       ONE_YEAR     DELETE
//	DATA_ACCESS                         SIX_MONTHS   REDACT_PII
//	DATA_MODIFICATION, CONFIGURATION    THREE_YEARS  ARCHIVE
//	ADMINISTRATION, FINANCIAL, PRIVACY  SEVEN_YEARS  ARCHIVE
//	SECURITY                            LEGAL_HOLD   (never swept)
//	SYSTEM                              SIX_MONTHS   DELETE
//
// NewPolicy refuses a rule set that leaves a category unmapped, so a bad policy
// file fails at startup rather than during a sweep. Legal hold events get the
// audit.Never sentinel and are excluded from every sweep query.
//
// Sweeper walks expired events per action in id order and commits each batch
// atomically. Archiving runs in parallel inside a batch and an event is deleted
// only after its archive write succeeded. Failed events are counted in the Report
// and picked up again by the next run.
//
//	sweeper, err := retention.NewSweeper(store, policy, archiver, retention.DefaultSweeperConfig(), logger, metrics)
//	scheduler := retention.NewScheduler(logger)
//	scheduler.AddSweep(retention.DefaultSchedule, sweeper)
//	scheduler.Start()
package retention
