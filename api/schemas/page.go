package schemas

// -- Page Snapshot Schemas --

// Viewport is the CSS pixel size of the tab's layout viewport.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// SelectOption is one entry of a <select> control.
type SelectOption struct {
	Value    string `json:"value"`
	Text     string `json:"text"`
	Selected bool   `json:"selected,omitempty"`
}

// ElementDescriptor describes one visible, relevant element of a snapshot.
// Index is only meaningful within the snapshot that produced it.
type ElementDescriptor struct {
	Index         int    `json:"index"`
	Selector      string `json:"selector"`
	XPath         string `json:"xpath,omitempty"`
	Tag           string `json:"tag"`
	IsVisible     bool   `json:"isVisible"`
	IsInteractive bool   `json:"isInteractive"`

	Text        string `json:"text,omitempty"`
	Type        string `json:"type,omitempty"`
	Role        string `json:"role,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
	// Value is never populated for password fields.
	Value     string `json:"value,omitempty"`
	Href      string `json:"href,omitempty"`
	Src       string `json:"src,omitempty"`
	Alt       string `json:"alt,omitempty"`
	AriaLabel string `json:"ariaLabel,omitempty"`

	Options []SelectOption `json:"options,omitempty"`
	// OptionsOverflow counts options left out of Options.
	OptionsOverflow int `json:"optionsOverflow,omitempty"`
}

// PageSummary holds per-category element counts.
type PageSummary struct {
	Headings         int `json:"headings"`
	Links            int `json:"links"`
	Buttons          int `json:"buttons"`
	Inputs           int `json:"inputs"`
	Images           int `json:"images"`
	InteractiveTotal int `json:"interactiveTotal"`
}

// PageSnapshot is one point-in-time structural capture of a page.
type PageSnapshot struct {
	URL             string              `json:"url"`
	Title           string              `json:"title"`
	MetaDescription string              `json:"metaDescription,omitempty"`
	FullText        string              `json:"fullText"`
	Viewport        Viewport            `json:"viewport"`
	Elements        []ElementDescriptor `json:"elements"`
	Summary         PageSummary         `json:"summary"`
}

// PageState is the advisory page context sent along with a chat turn.
// DistilledDOM and Screenshot are null when their capture failed.
type PageState struct {
	URL          string        `json:"url"`
	DistilledDOM *PageSnapshot `json:"distilledDOM"`
	Screenshot   *string       `json:"screenshot"`
}
