package application

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zhiquai/aigrading/internal/domain"
)

const gradingSystemPrompt = `You are a strict exam grader. You read a scanned student answer and judge it
against a rubric. You never compute scores; you only report which rubric items the answer satisfies.

Reply with a single JSON object and nothing else:
{
  "studentName": "name written on the sheet, or empty",
  "breakdown": [
    {"pointId": "<rubric item id>", "matched": true|false, "exactMatch": true|false, "level": "<level label, matrix rubrics only>", "rationale": "<one short sentence>"}
  ],
  "comment": "<one short overall remark>"
}

Rules:
- Use only ids that appear in the rubric. Report every rubric item exactly once, except matrix dimensions (see below).
- exactMatch is true only when the written answer matches the expected text literally, ignoring whitespace and case.
- Judge what is written, not what the student probably meant.`

func gradingPrompts(r domain.Rubric) (string, string, error) {
	raw, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("encode rubric: %w", err)
	}

	var b strings.Builder
	switch r.StrategyType {
	case domain.StrategyPointAccumulation:
		b.WriteString("Rubric type: scoring points. Judge each point independently by its description and keywords.\n")
		if s := r.PointStrategyOrDefault(); s.StrictMode {
			b.WriteString("Every point is fill-in-the-blank: set exactMatch carefully.\n")
		}
	case domain.StrategySequentialLogic:
		b.WriteString("Rubric type: ordered solution steps. Mark a step matched only if the answer shows it explicitly.\n")
	case domain.StrategyRubricMatrix:
		b.WriteString("Rubric type: level matrix. For each dimension add one item per level the answer satisfies, ")
		b.WriteString("with pointId set to the dimension id and level set to the level label. Omit dimensions with no satisfied level.\n")
	}
	if r.Metadata.Subject != "" {
		fmt.Fprintf(&b, "Subject: %s\n", r.Metadata.Subject)
	}
	if r.Metadata.Title != "" {
		fmt.Fprintf(&b, "Question: %s\n", r.Metadata.Title)
	}
	b.WriteString("\nRubric:\n")
	b.Write(raw)
	b.WriteString("\n\nThe student's answer is in the attached image.")
	return gradingSystemPrompt, b.String(), nil
}
