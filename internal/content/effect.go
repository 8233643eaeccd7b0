package content

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/aretw0/storyguard/pkg/domain"
)

// effectDoc is the authored form of a domain.Effect, discriminated by kind:
//
//	- kind: mark_concept
//	  concept: dosimetry
//	  amount: 1
type effectDoc struct {
	effect domain.Effect
}

func (e *effectDoc) UnmarshalYAML(node *yaml.Node) error {
	var head struct {
		Kind domain.EffectKind `yaml:"kind"`
	}
	if err := node.Decode(&head); err != nil {
		return err
	}

	switch head.Kind {
	case domain.EffectMarkConcept:
		var v domain.MarkConcept
		if err := node.Decode(&v); err != nil {
			return err
		}
		e.effect = v
	case domain.EffectRecordEquipment:
		var v domain.RecordEquipment
		if err := node.Decode(&v); err != nil {
			return err
		}
		e.effect = v
	case domain.EffectOpenTransaction:
		var v domain.OpenTransaction
		if err := node.Decode(&v); err != nil {
			return err
		}
		if !v.Type.Valid() {
			return fmt.Errorf("line %d: unknown transaction type %q", node.Line, v.Type)
		}
		e.effect = v
	default:
		return fmt.Errorf("line %d: unknown effect kind %q", node.Line, head.Kind)
	}
	return nil
}

func effects(docs []effectDoc) []domain.Effect {
	if len(docs) == 0 {
		return nil
	}
	out := make([]domain.Effect, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.effect)
	}
	return out
}
