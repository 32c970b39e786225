package services

import "strings"

const mcqSystemPrompt = `Tu es un professeur de médecine qui corrige des banques de QCM d'examens.
Pour chaque question fournie, vérifie les options et détermine les bonnes réponses.

Réponds UNIQUEMENT avec un objet JSON strict de la forme:
{"results":[{"id":"<id de la question>","status":"ok","correctAnswers":[<indices des bonnes options, base 0>],"optionExplanations":["<explication option A>","..."],"globalExplanation":"<synthèse courte>"}]}

Règles:
- Reprends exactement le champ "id" de chaque question d'entrée.
- "correctAnswers" contient les indices base 0 des options correctes (A=0, B=1, C=2, D=3, E=4).
- Si une question est inexploitable, renvoie {"id":"...","status":"error","error":"<raison>"}.
- Un résultat par question, jamais plus, jamais moins.
- Aucun texte hors du JSON.`

const qrocSystemPrompt = `Tu es un professeur de médecine qui corrige des banques de QROC (questions à réponse ouverte courte).
Pour chaque question fournie, vérifie la réponse attendue et propose une correction.

Réponds UNIQUEMENT avec un objet JSON strict de la forme:
{"results":[{"id":"<id de la question>","status":"ok","correctedAnswer":"<réponse de référence courte>","globalExplanation":"<justification courte>"}]}

Règles:
- Reprends exactement le champ "id" de chaque question d'entrée.
- "correctedAnswer" est la réponse de référence, concise.
- Si une question est inexploitable, renvoie {"id":"...","status":"error","error":"<raison>"}.
- Un résultat par question, jamais plus, jamais moins.
- Aucun texte hors du JSON.`

// SystemPromptFor returns the system prompt for an item class, with optional
// admin instructions appended as extra guidance.
func SystemPromptFor(kind ItemKind, instructions string) string {
	base := mcqSystemPrompt
	if kind == ItemKindQROC {
		base = qrocSystemPrompt
	}
	instructions = strings.TrimSpace(instructions)
	if instructions == "" {
		return base
	}
	return base + "\n\nConsignes supplémentaires de l'administrateur:\n" + instructions
}
