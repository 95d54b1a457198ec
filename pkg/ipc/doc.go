// Package ipc implements the file-based message protocol between the host
// and the agent running inside a sandbox. The sandbox has no network, so
// every exchange goes through files in [Dir]:
//
//	tool_calls.json    sandbox -> host   JSON array of {id, name, arguments}
//	tool_results.json  host -> sandbox   JSON array of {id, output, is_error}
//	status             sandbox -> host   running | awaiting_tools | done | error
//	result.json        sandbox -> host   final payload, written before done/error
//
// Ownership rules:
//   - Only the agent appends to tool_calls.json, and only while its round is
//     open (status running). A round opens with its first call and stays
//     open for the batch window; calls made later wait for the next round.
//     When the window elapses the agent writes awaiting_tools.
//   - Only the host writes or deletes tool_results.json.
//   - The host removes resolved ids from tool_calls.json only after their
//     results are in tool_results.json and only while status is
//     awaiting_tools. The agent leaves awaiting_tools once every id of its
//     round has a result and none of them remains in tool_calls.json.
package ipc
