package notification

import (
	"fmt"
	"time"
	"unicode/utf8"
)

const (
	linkExpertMissions    = "/missions"
	linkRecruiterMissions = "/recruiter/missions"
	linkMessages          = "/messages"

	previewLimit = 80
)

// NewProposal tells an expert a recruiter sent them a proposal.
func NewProposal(expertID, fromName, title, proposalID string) Notification {
	return Notification{
		UserID:   expertID,
		Type:     TypeNewProposal,
		Title:    "Nouvelle proposition reçue",
		Body:     fmt.Sprintf("%s vous a envoyé une proposition : \"%s\"", fromName, title),
		Link:     linkExpertMissions,
		RefID:    proposalID,
		FromName: fromName,
	}
}

// ProposalAccepted tells the recruiter the expert accepted.
func ProposalAccepted(clientID, expertName, title, proposalID string) Notification {
	return Notification{
		UserID:   clientID,
		Type:     TypeProposalAccepted,
		Title:    "Proposition acceptée ! 🎉",
		Body:     fmt.Sprintf("%s a accepté votre proposition \"%s\"", expertName, title),
		Link:     linkRecruiterMissions,
		RefID:    proposalID,
		FromName: expertName,
	}
}

// ProposalRejected tells the recruiter the expert declined.
func ProposalRejected(clientID, expertName, title, proposalID string) Notification {
	return Notification{
		UserID:   clientID,
		Type:     TypeProposalRejected,
		Title:    "Proposition refusée",
		Body:     fmt.Sprintf("%s a décliné votre proposition \"%s\"", expertName, title),
		Link:     linkRecruiterMissions,
		RefID:    proposalID,
		FromName: expertName,
	}
}

// MissionCompleted tells the recruiter the expert marked the mission done.
func MissionCompleted(clientID, expertName, title, proposalID string) Notification {
	return Notification{
		UserID:   clientID,
		Type:     TypeMissionCompleted,
		Title:    "Mission terminée ✅",
		Body:     fmt.Sprintf("%s a marqué la mission \"%s\" comme terminée", expertName, title),
		Link:     linkRecruiterMissions,
		RefID:    proposalID,
		FromName: expertName,
	}
}

// ProposalExpiredForRecruiter tells the recruiter the expert never answered.
func ProposalExpiredForRecruiter(clientID, expertName, title, proposalID string) Notification {
	return Notification{
		UserID:   clientID,
		Type:     TypeProposalExpired,
		Title:    "Proposition expirée",
		Body:     fmt.Sprintf("%s n'a pas répondu à votre proposition \"%s\" dans le délai imparti", expertName, title),
		Link:     linkRecruiterMissions,
		RefID:    proposalID,
		FromName: expertName,
	}
}

// StrikeRecorded warns the expert that an unanswered proposal cost them a strike.
func StrikeRecorded(expertID, title string, count, limit int, proposalID string) Notification {
	return Notification{
		UserID: expertID,
		Type:   TypeProposalExpiredStrike,
		Title:  fmt.Sprintf("Proposition expirée : avertissement %d/%d", count, limit),
		Body: fmt.Sprintf("Vous n'avez pas répondu à \"%s\" dans l'heure. Au bout de %d avertissements, votre profil est gelé 24h.",
			title, limit),
		Link:  linkExpertMissions,
		RefID: proposalID,
	}
}

// ProfileFrozen tells the expert their profile is hidden until the given instant.
func ProfileFrozen(expertID string, until time.Time) Notification {
	return Notification{
		UserID: expertID,
		Type:   TypeProfileFrozen,
		Title:  "Profil gelé 🧊",
		Body: fmt.Sprintf("Votre profil est masqué jusqu'au %s (UTC) suite à plusieurs propositions restées sans réponse.",
			until.UTC().Format("02/01/2006 à 15:04")),
		Link: linkExpertMissions,
	}
}

// NewMessage tells a conversation participant someone wrote to them.
func NewMessage(recipientID, senderName, text, conversationID string) Notification {
	return Notification{
		UserID:   recipientID,
		Type:     TypeNewMessage,
		Title:    "Message de " + senderName,
		Body:     Preview(text),
		Link:     linkMessages,
		RefID:    conversationID,
		FromName: senderName,
	}
}

// System is a free-form notice from the platform.
func System(userID, title, body string) Notification {
	return Notification{UserID: userID, Type: TypeSystem, Title: title, Body: body}
}

// Preview truncates text to the feed preview length, appending "...".
func Preview(text string) string {
	if utf8.RuneCountInString(text) <= previewLimit {
		return text
	}
	runes := []rune(text)
	return string(runes[:previewLimit]) + "..."
}
