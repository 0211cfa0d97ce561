// Package agent is the reference streaming agent that runs on every node.
//
// The agent subscribes to its node's command channel and answers every
// command with a report on the shared report channel, echoing the command id
// so the control plane can clear it from its pending list:
//
//   - START_STREAM launches ffmpeg and reports STREAMING with the pid, or
//     ERROR when the process cannot start
//   - STOP_STREAM interrupts ffmpeg and kills it after the stop grace;
//     FORCE_KILL_STREAM kills at once. Both end in STOPPED.
//   - SYNC_STATE and REFRESH_SETTINGS are answered with a heartbeat
//   - RESTART_AGENT is acknowledged and makes Run return
//     ErrRestartRequested
//
// A process that exits on its own is reported COMPLETED on a clean exit and
// ERROR otherwise. Heartbeats list every stream with a live process. When a
// telemetry URL is configured the agent also posts host CPU, RAM and disk
// usage to the control plane's telemetry webhook.
package agent
