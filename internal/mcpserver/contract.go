package mcpserver

// TaskFieldContract describes the canonical task field semantics that
// LLM consumers should follow when creating tasks.
const TaskFieldContract = `# Laguz Task Field Contract

Every task created through Laguz tools MUST follow these field semantics.

## Fields

| Field       | Required | Format / values                                  |
|-------------|----------|--------------------------------------------------|
| title       | yes      | Short human-readable summary                     |
| description | no       | Longer free-form text                            |
| due_date    | no       | ISO date, ` + "`" + `YYYY-MM-DD` + "`" + ` (calendar day, no time)   |
| recurrence  | no       | ` + "`" + `weekly` + "`" + `, ` + "`" + `monthly` + "`" + `, ` + "`" + `quarterly` + "`" + `, ` + "`" + `yearly` + "`" + ` |
| labels      | no       | Comma-separated, lowercase, kebab-case           |

## Rules

1. **Status** starts as ` + "`" + `todo` + "`" + `. Completion happens through the
   ` + "`" + `complete_task` + "`" + ` tool, never by setting fields directly.
2. **Recurrence requires a due date.** A recurring task without a due date
   behaves as a one-off: completing it does not schedule a successor.
3. **Completing a recurring task** leaves the completed record in place and
   adds one new ` + "`" + `todo` + "`" + ` task with the due date advanced by the recurrence
   interval. Never create the successor manually.
4. **Dates are calendar days.** Do not attach times or time zones; the due
   date ` + "`" + `2026-09-01` + "`" + ` means "on that day" everywhere.
5. **Sensitive content** (title, description, notes, labels, dates) is
   end-to-end encrypted before it leaves the device. Ids and status are not
   secret; never put sensitive data in labels used for filtering shared
   dashboards.

## Example

` + "```" + `json
{
  "title": "Renew passport",
  "description": "Check photo requirements first",
  "due_date": "2026-10-15",
  "recurrence": "yearly",
  "labels": "admin,documents"
}
` + "```" + `
`
