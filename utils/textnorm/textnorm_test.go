package textnorm

import "testing"

func TestCanonicalizeHeaderVariants(t *testing.T) {
	variants := []string{
		"Texte de la Question",
		"texte_question",
		"Texte Question",
		"  texte   de  la question ",
		"Texte de la Qüestion",
	}

	want := "texte question"
	for _, v := range variants {
		if got := CanonicalizeHeader(v); got != want {
			t.Errorf("CanonicalizeHeader(%q) = %q, want %q", v, got, want)
		}
	}
}

func TestCanonicalizeHeaderKnownColumns(t *testing.T) {
	cases := map[string]string{
		"Réponse":         "reponse",
		"Option A":        "option a",
		"option_b":        "option b",
		"Cas N°":          "cas n",
		"Texte du Cas":    "texte cas",
		"Question N°":     "question n",
		"Explication":     "explication",
		"ai_status":       "ai status",
		"Source":          "source",
	}

	for in, want := range cases {
		if got := CanonicalizeHeader(in); got != want {
			t.Errorf("CanonicalizeHeader(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCanonicalizeSheet(t *testing.T) {
	cases := map[string]string{
		"QCM":       "qcm",
		" cas_qcm ": "casqcm",
		"Cas QROC":  "casqroc",
		"qroc":      "qroc",
		"Érreurs":   "erreurs",
	}

	for in, want := range cases {
		if got := CanonicalizeSheet(in); got != want {
			t.Errorf("CanonicalizeSheet(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFoldKeepsNonDiacriticContent(t *testing.T) {
	if got := Fold("ÉLÈVE n°3"); got != "eleve n°3" {
		t.Errorf("Fold = %q", got)
	}
}
