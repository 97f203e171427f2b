package main

import (
	"encoding/json"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"
	"wuyrush.io/listings/common/logging"
	cst "wuyrush.io/listings/constants"
	se "wuyrush.io/listings/errors"
	md "wuyrush.io/listings/models"
)

const (
	errMsgListingNotFound = "listing not found"
	flashWrongPassword    = "wrong password"
)

func (s *listingsServer) HandleTaskGetFeed() httprouter.Handle {
	clog := logging.WithFuncName()
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		views, err := s.Feed.List(s.cfg.MaxListings, s.Gate.Unlocked(r))
		if err != nil {
			clog.WithError(err).Error(err.Trace())
			http.Error(w, err.Error(), err.StatusCode())
			return
		}
		s.render(w, r, "index.html", "Listings", http.StatusOK, views, clog)
	}
}

func (s *listingsServer) HandleTaskGetThanks() httprouter.Handle {
	clog := logging.WithFuncName()
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		id := ps.ByName("id")
		tv, err := s.Feed.Thanks(id)
		if err != nil {
			clog.WithError(err).WithField(cst.LogFieldListingID, id).Error("error assembling thanks view")
			http.Error(w, err.Error(), err.StatusCode())
			return
		}
		s.render(w, r, "thanks.html", "Thank you", http.StatusOK, tv, clog)
	}
}

// HandleTaskUnlock checks a visitor-supplied listing password. A wrong password is not an error: the visitor
// lands back on the feed with a message either way
func (s *listingsServer) HandleTaskUnlock() httprouter.Handle {
	clog := logging.WithFuncName()
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		id := ps.ByName("id")
		llog := clog.WithField(cst.LogFieldListingID, id)
		l, err := s.Records.FindByID(id)
		if err != nil {
			if !se.Is(err, se.ErrCodeNotFound) {
				llog.WithError(err).Error(err.Trace())
			}
			http.Error(w, err.Error(), err.StatusCode())
			return
		}
		if !l.Protected() {
			http.Redirect(w, r, "/", http.StatusSeeOther)
			return
		}
		ok, uerr := s.Gate.TryUnlock(w, r, l, r.PostFormValue("password"))
		s.Metrics.RecordUnlock(ok)
		if uerr != nil {
			llog.WithError(uerr).Error("error saving unlocked listing to session")
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		if !ok {
			llog.Info("listing unlock refused")
			s.flashRedirect(w, r, flashWrongPassword, "/", llog)
			return
		}
		http.Redirect(w, r, "/", http.StatusSeeOther)
	}
}

// HandleTaskGetPhoto serves a listing photo. Photos of protected listings are only served to admins and to
// sessions which unlocked the listing
func (s *listingsServer) HandleTaskGetPhoto() httprouter.Handle {
	clog := logging.WithFuncName()
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		id, filename := ps.ByName("id"), ps.ByName("filename")
		flog := clog.WithFields(logrus.Fields{cst.LogFieldListingID: id, cst.LogFieldFilename: filename})
		var l *md.Listing
		if !s.Gate.IsAdmin(r) {
			found, err := s.Records.FindByID(id)
			switch {
			case err == nil:
				l = found
			case !se.Is(err, se.ErrCodeNotFound):
				flog.WithError(err).Error(err.Trace())
				http.Error(w, err.Error(), err.StatusCode())
				return
			}
		}
		if !s.Gate.CanViewPhotos(r, l) {
			flog.Debug("refusing photo of locked listing")
			http.Error(w, "listing is locked", http.StatusForbidden)
			return
		}
		f, info, err := s.Photos.Open(id, filename)
		if err != nil {
			if !se.Is(err, se.ErrCodeNotFound) {
				flog.WithError(err).Warn(err.Trace())
			}
			http.Error(w, err.Error(), err.StatusCode())
			return
		}
		defer f.Close()
		http.ServeContent(w, r, info.Name(), info.ModTime(), f)
	}
}

// HandleTaskSubmit answers public submissions, which are disabled; listings are created by the admin only
func (s *listingsServer) HandleTaskSubmit() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		http.NotFound(w, r)
	}
}

func (s *listingsServer) HandleTaskHealth() httprouter.Handle {
	clog := logging.WithFuncName()
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]string{"status": "ok"}); err != nil {
			clog.WithError(err).Debug("error sending health status")
		}
	}
}
