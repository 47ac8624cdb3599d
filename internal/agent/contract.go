package agent

// NoteFormatContract describes the canonical note shape that agent
// consumers should follow when creating or updating notes.
const NoteFormatContract = `# Flint Note Format Contract

Every note managed by the Flint sync engine is a Markdown file with a
YAML front-matter header.

## Structure

` + "```" + `markdown
---
id: n-3f1c…                        # REQUIRED – opaque stable identifier, never reused
title: Human-readable title        # REQUIRED – display name everywhere
kind: markdown                     # markdown | epub | pdf | ...
created: 2025-01-15T10:00:00Z      # OPTIONAL – RFC 3339
properties:                        # OPTIONAL – typed structured properties
  status: draft
---

Body text in standard Markdown.
` + "```" + `

## Rules

1. **Do not invent or alter the ` + "`id`" + ` field.** It is assigned by the
   engine and is how all views of a note stay correlated.
2. **Unknown front-matter keys are preserved.** Keys you do not
   recognize must be left in place; the engine round-trips them.
3. **Mutations go through the engine tools**, never by writing files:
   tool calls are tagged as agent-originated so the conflict policy
   can protect unsaved user edits.
4. If an update returns a conflict, the user has unsaved changes in an
   open editor. Do not retry in a loop — the user resolves it.
5. **Encoding** is UTF-8 with a trailing newline.
`
