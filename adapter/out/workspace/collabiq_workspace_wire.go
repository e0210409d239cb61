package workspace

import (
	"strings"

	"collabiq/core/domain"
	"collabiq/core/port/out"
)

// =============================================================================
// Wire Types
//
// 워크스페이스 API의 JSON 형태. 필요한 필드만 디코딩한다.
// =============================================================================

type wireRichText struct {
	PlainText string `json:"plain_text"`
	Text      *struct {
		Content string `json:"content"`
	} `json:"text,omitempty"`
}

type wireSelectOption struct {
	Name string `json:"name"`
}

type wirePropertyValue struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Title    []wireRichText    `json:"title,omitempty"`
	RichText []wireRichText    `json:"rich_text,omitempty"`
	Select   *wireSelectOption `json:"select,omitempty"`
}

type wirePropertySchema struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Type   string `json:"type"`
	Select *struct {
		Options []wireSelectOption `json:"options"`
	} `json:"select,omitempty"`
}

type wireDatabase struct {
	ID         string                        `json:"id"`
	Title      []wireRichText                `json:"title"`
	Properties map[string]wirePropertySchema `json:"properties"`
}

type wirePage struct {
	ID         string                       `json:"id"`
	Properties map[string]wirePropertyValue `json:"properties"`
}

type wireQueryRequest struct {
	Filter      map[string]any `json:"filter,omitempty"`
	StartCursor string         `json:"start_cursor,omitempty"`
	PageSize    int            `json:"page_size,omitempty"`
}

type wireQueryResponse struct {
	Results    []wirePage `json:"results"`
	HasMore    bool       `json:"has_more"`
	NextCursor string     `json:"next_cursor"`
}

type wireUser struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Type   string `json:"type"`
	Person *struct {
		Email string `json:"email"`
	} `json:"person,omitempty"`
}

type wireUsersResponse struct {
	Results    []wireUser `json:"results"`
	HasMore    bool       `json:"has_more"`
	NextCursor string     `json:"next_cursor"`
}

type wireCreatePageRequest struct {
	Parent     map[string]string `json:"parent"`
	Properties map[string]any    `json:"properties"`
}

type wireUpdatePageRequest struct {
	Properties map[string]any `json:"properties"`
}

type wireError struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// =============================================================================
// Wire → Domain Conversion
// =============================================================================

func plainText(parts []wireRichText) string {
	var b strings.Builder
	for _, p := range parts {
		if p.PlainText != "" {
			b.WriteString(p.PlainText)
			continue
		}
		if p.Text != nil {
			b.WriteString(p.Text.Content)
		}
	}
	return b.String()
}

func (d wireDatabase) schema() out.DatabaseSchema {
	props := make(map[string]out.PropertySchema, len(d.Properties))
	for name, p := range d.Properties {
		ps := out.PropertySchema{ID: p.ID, Name: p.Name, Type: p.Type}
		if ps.Name == "" {
			ps.Name = name
		}
		if p.Select != nil {
			for _, opt := range p.Select.Options {
				ps.Options = append(ps.Options, opt.Name)
			}
		}
		props[name] = ps
	}
	return out.DatabaseSchema{
		ID:         d.ID,
		Title:      plainText(d.Title),
		Properties: props,
	}
}

// titleProperty returns the name of the database's single title property.
func (d wireDatabase) titleProperty() string {
	for name, p := range d.Properties {
		if p.Type == "title" {
			return name
		}
	}
	return ""
}

// company maps a Companies row. The title property carries the canonical
// name; categoryProp is the configured select property.
func (p wirePage) company(categoryProp string) domain.Company {
	c := domain.Company{ID: p.ID}
	for name, value := range p.Properties {
		switch {
		case value.Type == "title":
			c.Name = strings.TrimSpace(plainText(value.Title))
		case name == categoryProp && value.Select != nil:
			c.Category = value.Select.Name
		}
	}
	return c
}

func (u wireUser) user() domain.WorkspaceUser {
	wu := domain.WorkspaceUser{
		ID:   u.ID,
		Name: strings.TrimSpace(u.Name),
		Type: domain.UserType(u.Type),
	}
	if u.Person != nil {
		wu.Email = u.Person.Email
	}
	return wu
}
