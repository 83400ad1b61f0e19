package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mofeng-git/one-kvm/internal/config"
)

// handleConfigGet implements GET /config/{section} (spec.md §6).
func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	section := config.Section(r.PathValue("section"))
	cfg := s.d.Config.Get()

	body, err := sectionValue(cfg, section)
	if err != nil {
		writeErrorMsg(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// handleConfigPatch implements PATCH /config/{section}: decode the request
// body onto a clone of the current section value only (fields the caller
// omits keep their existing value, per spec.md §4.13 "PATCH is a partial
// update") then swap the whole AppConfig through Store.Update.
func (s *Server) handleConfigPatch(w http.ResponseWriter, r *http.Request) {
	section := config.Section(r.PathValue("section"))
	raw, err := readBody(r)
	if err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "malformed request body")
		return
	}

	var decodeErr error
	next, err := s.d.Config.Update(section, func(c *config.AppConfig) {
		decodeErr = applySectionPatch(c, section, raw)
	})
	if decodeErr != nil {
		writeErrorMsg(w, http.StatusBadRequest, decodeErr.Error())
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}

	body, err := sectionValue(next, section)
	if err != nil {
		writeErrorMsg(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func readBody(r *http.Request) (json.RawMessage, error) {
	defer r.Body.Close()
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// sectionValue returns the named section of cfg, or an error if section is
// unknown.
func sectionValue(cfg config.AppConfig, section config.Section) (any, error) {
	switch section {
	case config.SectionAuth:
		return cfg.Auth, nil
	case config.SectionVideo:
		return cfg.Video, nil
	case config.SectionStream:
		return cfg.Stream, nil
	case config.SectionHID:
		return cfg.HID, nil
	case config.SectionMSD:
		return cfg.MSD, nil
	case config.SectionATX:
		return cfg.ATX, nil
	case config.SectionAudio:
		return cfg.Audio, nil
	case config.SectionWeb:
		return cfg.Web, nil
	default:
		return nil, fmt.Errorf("config: unknown section %q", section)
	}
}

// applySectionPatch decodes raw onto a copy of the section's current value
// and only writes it back to c on success, so a malformed patch never
// leaves c partially mutated (encoding/json can set some struct fields
// before erroring on a later one).
func applySectionPatch(c *config.AppConfig, section config.Section, raw json.RawMessage) error {
	switch section {
	case config.SectionAuth:
		v := c.Auth
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		c.Auth = v
	case config.SectionVideo:
		v := c.Video
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		c.Video = v
	case config.SectionStream:
		v := c.Stream
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		c.Stream = v
	case config.SectionHID:
		v := c.HID
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		c.HID = v
	case config.SectionMSD:
		v := c.MSD
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		c.MSD = v
	case config.SectionATX:
		v := c.ATX
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		c.ATX = v
	case config.SectionAudio:
		v := c.Audio
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		c.Audio = v
	case config.SectionWeb:
		v := c.Web
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		c.Web = v
	default:
		return fmt.Errorf("config: unknown section %q", section)
	}
	return nil
}
