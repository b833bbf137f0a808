package model

import (
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"time"
)

// SchemaVersion is carried on every file's root element.
const SchemaVersion = "1"

// updatedFormat is the root element's UTC "updated" attribute.
const updatedFormat = "2006/01/02 15:04:05"

// xmlSource is the on-disk form of a Source (src-<nickname>.xml).
type xmlSource struct {
	XMLName      xml.Name      `xml:"Source"`
	Version      string        `xml:"version,attr"`
	Updated      string        `xml:"updated,attr"`
	Kind         string        `xml:"Kind"`
	Nickname     string        `xml:"Nickname"`
	Plugin       string        `xml:"Plugin"`
	Server       string        `xml:"Server"`
	User         string        `xml:"User"`
	Password     string        `xml:"Password,omitempty"`
	EPassword    string        `xml:"EPassword,omitempty"`
	Module       string        `xml:"Module"`
	ModDateField string        `xml:"ModDateField"`
	ModUserField string        `xml:"ModUserField"`
	Filters      []xmlFilter   `xml:"FilterSet"`
	Attrs        []xmlAttr     `xml:"Attribute"`
}

type xmlFilter struct {
	Name  string    `xml:"name,attr"`
	Rules []xmlRule `xml:"Rule"`
}

type xmlRule struct {
	Field   string `xml:"field,attr"`
	Pattern string `xml:"pattern,attr"`
}

type xmlAttr struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

// xmlMapping is the on-disk form of a DataMapping (map-<id>.xml).
type xmlMapping struct {
	XMLName   xml.Name      `xml:"Mapping"`
	Version   string        `xml:"version,attr"`
	Updated   string        `xml:"updated,attr"`
	ID        string        `xml:"ID"`
	SCMID     string        `xml:"SCM"`
	DTSID     string        `xml:"DTS"`
	SCMFilter string        `xml:"SCMFilter,omitempty"`
	DTSFilter string        `xml:"DTSFilter,omitempty"`
	Policy    string        `xml:"MirrorConflict"`
	Mirror    []xmlCopyRule `xml:"Mirror>Rule"`
	SCMToDTS  []xmlCopyRule `xml:"SCMToDTS>Rule"`
	DTSToSCM  []xmlCopyRule `xml:"DTSToSCM>Rule"`
	FixRules  []xmlFixRule  `xml:"FixRules>Rule"`
	Attrs     []xmlAttr     `xml:"Attribute"`
}

type xmlCopyRule struct {
	SCMField string       `xml:"scm,attr"`
	DTSField string       `xml:"dts,attr"`
	Type     string       `xml:"type,attr"`
	Truncate bool         `xml:"truncate,attr,omitempty"`
	Conflict string       `xml:"conflict,attr,omitempty"`
	Map      []xmlMapPair `xml:"Value"`
}

type xmlMapPair struct {
	Value1 string `xml:"v1,attr"`
	Value2 string `xml:"v2,attr"`
}

type xmlFixRule struct {
	DTSField    string `xml:"dts,attr"`
	Action      string `xml:"action,attr"`
	Files       bool   `xml:"files,attr"`
	Change      bool   `xml:"change,attr"`
	Description bool   `xml:"description,attr"`
	FixedBy     bool   `xml:"fixedby,attr"`
	FixedDate   bool   `xml:"fixeddate,attr"`
}

// xmlSettings is the on-disk form of Settings (set-<id>.xml). LastUpdate
// is the pre-split legacy watermark; on load it seeds both sides when
// the split fields are empty, and it is never written back.
type xmlSettings struct {
	XMLName       xml.Name `xml:"Settings"`
	Version       string   `xml:"version,attr"`
	Updated       string   `xml:"updated,attr"`
	ID            string   `xml:"ID"`
	StartingDate  string   `xml:"StartingDate"`
	LastUpdateSCM string   `xml:"LastUpdateSCM"`
	LastUpdateDTS string   `xml:"LastUpdateDTS"`
	LastUpdate    string   `xml:"LastUpdate,omitempty"`
	Force         bool     `xml:"Force"`
}

// MarshalSource renders a source to its XML file content.
func MarshalSource(s *Source, now time.Time) ([]byte, error) {
	x := xmlSource{
		Version:      SchemaVersion,
		Updated:      now.UTC().Format(updatedFormat),
		Kind:         string(s.Kind),
		Nickname:     s.Nickname,
		Plugin:       s.Plugin,
		Server:       s.Server,
		User:         s.User,
		Module:       s.Module,
		ModDateField: s.ModDateField,
		ModUserField: s.ModUserField,
	}
	if ob, ok := ObfuscatePassword(s.Nickname, s.Server, s.Password); ok {
		x.EPassword = ob
	} else {
		x.Password = s.Password
	}
	for _, f := range s.Filters {
		xf := xmlFilter{Name: f.Name}
		for _, r := range f.Rules {
			xf.Rules = append(xf.Rules, xmlRule{Field: r.Field, Pattern: r.Pattern})
		}
		x.Filters = append(x.Filters, xf)
	}
	for name, value := range s.Attrs {
		x.Attrs = append(x.Attrs, xmlAttr{Name: name, Value: value})
	}
	return marshalDoc(x)
}

// UnmarshalSource parses a src-*.xml file.
func UnmarshalSource(data []byte) (*Source, error) {
	var x xmlSource
	if err := xml.Unmarshal(data, &x); err != nil {
		return nil, fmt.Errorf("source file: %w", err)
	}
	s := &Source{
		Kind:         SourceKind(x.Kind),
		Nickname:     x.Nickname,
		Plugin:       x.Plugin,
		Server:       x.Server,
		User:         x.User,
		Module:       x.Module,
		ModDateField: x.ModDateField,
		ModUserField: x.ModUserField,
		Status:       StatusUnknown,
		AcceptUTF8:   -1,
	}
	// An obfuscated password supersedes a clear one when both appear.
	if x.EPassword != "" {
		pass, err := DeobfuscatePassword(x.Nickname, x.Server, x.EPassword)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", x.Nickname, err)
		}
		s.Password = pass
	} else {
		s.Password = x.Password
	}
	for _, xf := range x.Filters {
		f := FilterSet{Name: xf.Name}
		for _, xr := range xf.Rules {
			f.Rules = append(f.Rules, FilterRule{Field: xr.Field, Pattern: xr.Pattern})
		}
		s.Filters = append(s.Filters, f)
	}
	if len(x.Attrs) > 0 {
		s.Attrs = make(map[string]string, len(x.Attrs))
		for _, a := range x.Attrs {
			s.Attrs[a.Name] = a.Value
		}
	}
	return s, nil
}

// MarshalMapping renders a mapping to its XML file content.
func MarshalMapping(m *DataMapping, now time.Time) ([]byte, error) {
	x := xmlMapping{
		Version:   SchemaVersion,
		Updated:   now.UTC().Format(updatedFormat),
		ID:        m.ID,
		SCMID:     m.SCMID,
		DTSID:     m.DTSID,
		SCMFilter: m.SCMFilter,
		DTSFilter: m.DTSFilter,
		Policy:    string(m.Policy),
		Mirror:    copyRulesToXML(m.Mirror),
		SCMToDTS:  copyRulesToXML(m.SCMToDTS),
		DTSToSCM:  copyRulesToXML(m.DTSToSCM),
	}
	for _, f := range m.FixRules {
		x.FixRules = append(x.FixRules, xmlFixRule{
			DTSField:    f.DTSField,
			Action:      string(f.Action),
			Files:       f.IncludeFiles,
			Change:      f.IncludeChange,
			Description: f.IncludeDescription,
			FixedBy:     f.IncludeFixedBy,
			FixedDate:   f.IncludeFixedDate,
		})
	}
	for name, value := range m.Attrs {
		x.Attrs = append(x.Attrs, xmlAttr{Name: name, Value: value})
	}
	return marshalDoc(x)
}

// UnmarshalMapping parses a map-*.xml file.
func UnmarshalMapping(data []byte) (*DataMapping, error) {
	var x xmlMapping
	if err := xml.Unmarshal(data, &x); err != nil {
		return nil, fmt.Errorf("mapping file: %w", err)
	}
	m := &DataMapping{
		ID:        x.ID,
		SCMID:     x.SCMID,
		DTSID:     x.DTSID,
		SCMFilter: x.SCMFilter,
		DTSFilter: x.DTSFilter,
		Policy:    MirrorPolicy(x.Policy),
		Mirror:    copyRulesFromXML(x.Mirror),
		SCMToDTS:  copyRulesFromXML(x.SCMToDTS),
		DTSToSCM:  copyRulesFromXML(x.DTSToSCM),
	}
	if m.Policy == "" {
		m.Policy = MirrorDTS
	}
	for _, xf := range x.FixRules {
		m.FixRules = append(m.FixRules, FixRule{
			DTSField:           xf.DTSField,
			Action:             FixAction(xf.Action),
			IncludeFiles:       xf.Files,
			IncludeChange:      xf.Change,
			IncludeDescription: xf.Description,
			IncludeFixedBy:     xf.FixedBy,
			IncludeFixedDate:   xf.FixedDate,
		})
	}
	if len(x.Attrs) > 0 {
		m.Attrs = make(map[string]string, len(x.Attrs))
		for _, a := range x.Attrs {
			m.Attrs[a.Name] = a.Value
		}
	}
	return m, nil
}

func copyRulesToXML(rules []CopyRule) []xmlCopyRule {
	var out []xmlCopyRule
	for _, r := range rules {
		xr := xmlCopyRule{
			SCMField: r.SCMField,
			DTSField: r.DTSField,
			Type:     string(r.Type),
			Truncate: r.Truncate,
			Conflict: string(r.MirrorConflict),
		}
		for _, p := range r.Map {
			xr.Map = append(xr.Map, xmlMapPair{Value1: p.Value1, Value2: p.Value2})
		}
		out = append(out, xr)
	}
	return out
}

func copyRulesFromXML(rules []xmlCopyRule) []CopyRule {
	var out []CopyRule
	for _, xr := range rules {
		r := CopyRule{
			SCMField:       xr.SCMField,
			DTSField:       xr.DTSField,
			Type:           CopyType(xr.Type),
			Truncate:       xr.Truncate,
			MirrorConflict: MirrorPolicy(xr.Conflict),
		}
		for _, p := range xr.Map {
			r.Map = append(r.Map, MapPair{Value1: p.Value1, Value2: p.Value2})
		}
		out = append(out, r)
	}
	return out
}

// MarshalSettings renders a settings record to its XML file content.
func MarshalSettings(s *Settings, now time.Time) ([]byte, error) {
	x := xmlSettings{
		Version:       SchemaVersion,
		Updated:       now.UTC().Format(updatedFormat),
		ID:            s.ID,
		StartingDate:  FormatStamp(s.StartingDate),
		LastUpdateSCM: FormatStamp(s.LastUpdateSCM),
		LastUpdateDTS: FormatStamp(s.LastUpdateDTS),
		Force:         s.Force,
	}
	return marshalDoc(x)
}

// UnmarshalSettings parses a set-*.xml file, migrating the legacy single
// LastUpdate watermark into both sides when the split fields are empty.
func UnmarshalSettings(data []byte) (*Settings, error) {
	var x xmlSettings
	if err := xml.Unmarshal(data, &x); err != nil {
		return nil, fmt.Errorf("settings file: %w", err)
	}
	if x.LastUpdateSCM == "" && x.LastUpdateDTS == "" && x.LastUpdate != "" {
		x.LastUpdateSCM = x.LastUpdate
		x.LastUpdateDTS = x.LastUpdate
	}
	s := &Settings{ID: x.ID, Force: x.Force}
	var err error
	if s.StartingDate, err = ParseStamp(x.StartingDate); err != nil {
		return nil, err
	}
	if s.LastUpdateSCM, err = ParseStamp(x.LastUpdateSCM); err != nil {
		return nil, err
	}
	if s.LastUpdateDTS, err = ParseStamp(x.LastUpdateDTS); err != nil {
		return nil, err
	}
	return s, nil
}

func marshalDoc(v interface{}) ([]byte, error) {
	body, err := xml.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), append(body, '\n')...), nil
}

// maxObfuscated is the password length cap for obfuscated storage;
// longer passwords (and empty ones) are stored in clear.
const maxObfuscated = 64

// ObfuscatePassword XORs the password against the nickname+server key
// and hex-encodes the result. Returns ok=false when the password must be
// stored in clear instead.
func ObfuscatePassword(nickname, server, password string) (string, bool) {
	if password == "" || len(password) > maxObfuscated {
		return "", false
	}
	key := obfuscationKey(nickname, server)
	if len(key) == 0 {
		return "", false
	}
	raw := []byte(password)
	for i := range raw {
		raw[i] ^= key[i%len(key)]
	}
	return hex.EncodeToString(raw), true
}

// DeobfuscatePassword reverses ObfuscatePassword.
func DeobfuscatePassword(nickname, server, epassword string) (string, error) {
	raw, err := hex.DecodeString(epassword)
	if err != nil {
		return "", fmt.Errorf("bad epassword: %w", err)
	}
	key := obfuscationKey(nickname, server)
	if len(key) == 0 {
		return "", fmt.Errorf("bad epassword: empty key")
	}
	for i := range raw {
		raw[i] ^= key[i%len(key)]
	}
	return string(raw), nil
}

func obfuscationKey(nickname, server string) []byte {
	key := []byte(nickname + server)
	if len(key) > maxObfuscated {
		key = key[:maxObfuscated]
	}
	return key
}
