package schemas

import (
	"encoding/json"
	"fmt"
)

// -- Agent Action Schemas --

// ActionType is the discriminator of the closed Action union.
type ActionType string

const (
	// -- Communication --
	ActionMessage  ActionType = "message"  // Chat text for the user, no page effect.
	ActionComplete ActionType = "complete" // Marks the task finished.

	// -- Page --
	ActionClick              ActionType = "click"
	ActionWait               ActionType = "wait"
	ActionHighlight          ActionType = "highlight"
	ActionRemoveHighlights   ActionType = "remove_highlights"
	ActionMagnify            ActionType = "magnify"
	ActionResetMagnification ActionType = "reset_magnification"
	ActionScroll             ActionType = "scroll"
	ActionFillForm           ActionType = "fill_form"
	ActionSelectDropdown     ActionType = "select_dropdown"
	ActionRemoveClutter      ActionType = "remove_clutter"
	ActionRestoreClutter     ActionType = "restore_clutter"
)

// Action is one typed instruction from the reasoning service. The set of
// implementations is closed; see DecodeAction.
type Action interface {
	Kind() ActionType
	isAction()
}

// Target addresses an element by CSS selector or, failing that, XPath.
type Target struct {
	Selector string `json:"selector,omitempty"`
	XPath    string `json:"xpath,omitempty"`
}

// Locator returns the selector to resolve, preferring CSS.
func (t Target) Locator() string {
	if t.Selector != "" {
		return t.Selector
	}
	return t.XPath
}

type MessageAction struct {
	Message string `json:"message"`
}

type CompleteAction struct {
	Message string `json:"message,omitempty"`
}

type ClickAction struct {
	Target
}

// WaitAction pauses for Duration milliseconds; zero means the configured default.
type WaitAction struct {
	Duration int `json:"duration,omitempty"`
}

type HighlightAction struct {
	Target
}

type RemoveHighlightsAction struct{}

// MagnifyAction scales the target's font size; zero ScaleFactor means the default.
type MagnifyAction struct {
	Target
	ScaleFactor float64 `json:"scale_factor,omitempty"`
}

type ResetMagnificationAction struct{}

type ScrollAction struct {
	Target
}

type FillFormAction struct {
	Target
	Value string `json:"value"`
}

type SelectDropdownAction struct {
	Target
	Value string `json:"value"`
}

type RemoveClutterAction struct{}

type RestoreClutterAction struct{}

func (MessageAction) Kind() ActionType            { return ActionMessage }
func (CompleteAction) Kind() ActionType           { return ActionComplete }
func (ClickAction) Kind() ActionType              { return ActionClick }
func (WaitAction) Kind() ActionType               { return ActionWait }
func (HighlightAction) Kind() ActionType          { return ActionHighlight }
func (RemoveHighlightsAction) Kind() ActionType   { return ActionRemoveHighlights }
func (MagnifyAction) Kind() ActionType            { return ActionMagnify }
func (ResetMagnificationAction) Kind() ActionType { return ActionResetMagnification }
func (ScrollAction) Kind() ActionType             { return ActionScroll }
func (FillFormAction) Kind() ActionType           { return ActionFillForm }
func (SelectDropdownAction) Kind() ActionType     { return ActionSelectDropdown }
func (RemoveClutterAction) Kind() ActionType      { return ActionRemoveClutter }
func (RestoreClutterAction) Kind() ActionType     { return ActionRestoreClutter }

func (MessageAction) isAction()            {}
func (CompleteAction) isAction()           {}
func (ClickAction) isAction()              {}
func (WaitAction) isAction()               {}
func (HighlightAction) isAction()          {}
func (RemoveHighlightsAction) isAction()   {}
func (MagnifyAction) isAction()            {}
func (ResetMagnificationAction) isAction() {}
func (ScrollAction) isAction()             {}
func (FillFormAction) isAction()           {}
func (SelectDropdownAction) isAction()     {}
func (RemoveClutterAction) isAction()      {}
func (RestoreClutterAction) isAction()     {}

// IsCommunication reports whether the action only carries chat content.
func IsCommunication(a Action) bool {
	k := a.Kind()
	return k == ActionMessage || k == ActionComplete
}

// DecodeAction decodes one flat {"type": ...} object. Unknown types are an error.
func DecodeAction(data []byte) (Action, error) {
	var head struct {
		Type ActionType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("failed to decode action: %w", err)
	}

	var a Action
	switch head.Type {
	case ActionMessage:
		a = &MessageAction{}
	case ActionComplete:
		a = &CompleteAction{}
	case ActionClick:
		a = &ClickAction{}
	case ActionWait:
		a = &WaitAction{}
	case ActionHighlight:
		a = &HighlightAction{}
	case ActionRemoveHighlights:
		return RemoveHighlightsAction{}, nil
	case ActionMagnify:
		a = &MagnifyAction{}
	case ActionResetMagnification:
		return ResetMagnificationAction{}, nil
	case ActionScroll:
		a = &ScrollAction{}
	case ActionFillForm:
		a = &FillFormAction{}
	case ActionSelectDropdown:
		a = &SelectDropdownAction{}
	case ActionRemoveClutter:
		return RemoveClutterAction{}, nil
	case ActionRestoreClutter:
		return RestoreClutterAction{}, nil
	case "":
		return nil, fmt.Errorf("action is missing its type")
	default:
		return nil, fmt.Errorf("unknown action type %q", head.Type)
	}

	if err := json.Unmarshal(data, a); err != nil {
		return nil, fmt.Errorf("failed to decode %s action: %w", head.Type, err)
	}
	return deref(a), nil
}

// deref returns the value form so callers can type-switch on plain structs.
func deref(a Action) Action {
	switch v := a.(type) {
	case *MessageAction:
		return *v
	case *CompleteAction:
		return *v
	case *ClickAction:
		return *v
	case *WaitAction:
		return *v
	case *HighlightAction:
		return *v
	case *MagnifyAction:
		return *v
	case *ScrollAction:
		return *v
	case *FillFormAction:
		return *v
	case *SelectDropdownAction:
		return *v
	}
	return a
}

// EncodeAction encodes an action in its flat wire form with the type discriminator.
func EncodeAction(a Action) ([]byte, error) {
	body, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	kind, _ := json.Marshal(a.Kind())
	fields["type"] = kind
	return json.Marshal(fields)
}

// ActionList is an ordered action sequence with union-aware JSON encoding.
type ActionList []Action

func (l ActionList) MarshalJSON() ([]byte, error) {
	raws := make([]json.RawMessage, 0, len(l))
	for _, a := range l {
		b, err := EncodeAction(a)
		if err != nil {
			return nil, err
		}
		raws = append(raws, b)
	}
	return json.Marshal(raws)
}

func (l *ActionList) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	out := make(ActionList, 0, len(raws))
	for i, raw := range raws {
		a, err := DecodeAction(raw)
		if err != nil {
			return fmt.Errorf("actions[%d]: %w", i, err)
		}
		out = append(out, a)
	}
	*l = out
	return nil
}
