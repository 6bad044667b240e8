package domain

import (
	"encoding/json"
	"time"
)

const (
	adataDiscussion = 2
	adataBurn       = 3
)

// Meta is the server-maintained part of a record. Fields below the blank
// line only appear in records written by older releases.
type Meta struct {
	Created    int64  `json:"created,omitempty"`
	ExpireDate int64  `json:"expire_date,omitempty"`
	Salt       string `json:"salt,omitempty"`

	PostDate         int64  `json:"postdate,omitempty"`
	BurnAfterReading bool   `json:"burnafterreading,omitempty"`
	OpenDiscussion   bool   `json:"opendiscussion,omitempty"`
	Formatter        string `json:"formatter,omitempty"`
	Nickname         string `json:"nickname,omitempty"`
	Attachment       string `json:"attachment,omitempty"`
	AttachmentName   string `json:"attachmentname,omitempty"`
}

type Paste struct {
	V     int             `json:"v,omitempty"`
	AData json.RawMessage `json:"adata,omitempty"`
	CT    string          `json:"ct,omitempty"`
	Meta  Meta            `json:"meta"`

	Data           string `json:"data,omitempty"`
	Attachment     string `json:"attachment,omitempty"`
	AttachmentName string `json:"attachmentname,omitempty"`
}

// Comment ID and ParentID are never part of the stored payload; backends
// derive them from their keys and inject them on read.
type Comment struct {
	ID       string          `json:"id,omitempty"`
	ParentID string          `json:"parentid,omitempty"`
	V        int             `json:"v,omitempty"`
	AData    json.RawMessage `json:"adata,omitempty"`
	CT       string          `json:"ct,omitempty"`
	Meta     Meta            `json:"meta"`
	Data     string          `json:"data,omitempty"`
}

func (p *Paste) Expired(now time.Time) bool {
	return p.Meta.ExpireDate > 0 && p.Meta.ExpireDate < now.Unix()
}

func (p *Paste) BurnAfterReading() bool {
	if p.V >= 2 {
		return flagAt(p.AData, adataBurn)
	}
	return p.Meta.BurnAfterReading
}

func (p *Paste) OpenDiscussion() bool {
	if p.V >= 2 {
		return flagAt(p.AData, adataDiscussion)
	}
	return p.Meta.OpenDiscussion
}

// Created falls back to postdate for version 1 comments.
func (c *Comment) Created() int64 {
	if c.Meta.Created != 0 {
		return c.Meta.Created
	}
	return c.Meta.PostDate
}

// Payload returns a copy without the key-derived fields.
func (c Comment) Payload() Comment {
	c.ID = ""
	c.ParentID = ""
	return c
}

// UpgradeLegacy moves attachment fields that pre-v1 releases kept inside
// meta to the top level. Records already in the current shape are left
// untouched.
func UpgradeLegacy(p *Paste) *Paste {
	if p.Meta.Attachment == "" {
		return p
	}
	p.Attachment = p.Meta.Attachment
	p.Meta.Attachment = ""
	if p.Meta.AttachmentName != "" {
		p.AttachmentName = p.Meta.AttachmentName
		p.Meta.AttachmentName = ""
	}
	return p
}

func flagAt(adata json.RawMessage, idx int) bool {
	var fields []json.RawMessage
	if err := json.Unmarshal(adata, &fields); err != nil || len(fields) <= idx {
		return false
	}
	var n float64
	if err := json.Unmarshal(fields[idx], &n); err == nil {
		return n == 1
	}
	var b bool
	if err := json.Unmarshal(fields[idx], &b); err == nil {
		return b
	}
	return false
}
